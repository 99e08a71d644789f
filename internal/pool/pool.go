// Package pool bounds how many conversations hold a live lease on the remote
// store at once.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/clock"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/model"
)

// Config bounds the pool.
type Config struct {
	MaxConnections    int
	ConnectionTimeout time.Duration
	AcquireTimeout    time.Duration
}

// Pool hands out one lease per conversation. Slots are tokens in a buffered
// channel, so waiting for capacity is a channel receive that honors both the
// acquire timeout and ctx.
type Pool struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	slots chan struct{}

	mu     sync.Mutex
	leases map[string]*model.ConnectionLease
}

// New creates a pool with cfg; zero fields take the defaults 5, 30s and 10s.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make(chan struct{}, cfg.MaxConnections)
	for i := 0; i < cfg.MaxConnections; i++ {
		slots <- struct{}{}
	}
	return &Pool{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		slots:  slots,
		leases: make(map[string]*model.ConnectionLease),
	}
}

// Acquire returns the conversation's lease, reusing a live one. When the
// pool is full it waits for a slot, failing with errs.PoolTimeout after
// AcquireTimeout or with ctx's error when ctx ends first.
func (p *Pool) Acquire(ctx context.Context, conversationID string) (*model.ConnectionLease, error) {
	if conversationID == "" {
		return nil, errs.Errorf(errs.InvalidArgument, "pool.acquire", "empty conversation id")
	}
	if l, ok := p.reuse(conversationID); ok {
		return l, nil
	}

	select {
	case <-p.slots:
	default:
		p.Cleanup()
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		select {
		case <-p.slots:
		case <-timer.C:
			p.logger.Warn("pool acquire timed out",
				zap.String("conversation_id", conversationID), zap.Int("active", p.Active()))
			return nil, errs.Errorf(errs.PoolTimeout, "pool.acquire", "no capacity after %s", p.cfg.AcquireTimeout)
		case <-ctx.Done():
			return nil, errs.E(errs.Unavailable, "pool.acquire", ctx.Err())
		}
	}

	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	// Another caller may have leased the same conversation while we waited.
	if l, ok := p.leases[conversationID]; ok {
		p.slots <- struct{}{}
		l.LastUsed = now
		return l, nil
	}
	l := &model.ConnectionLease{ConversationID: conversationID, CreatedAt: now, LastUsed: now}
	p.leases[conversationID] = l
	return l, nil
}

func (p *Pool) reuse(conversationID string) (*model.ConnectionLease, bool) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leases[conversationID]
	if !ok {
		return nil, false
	}
	if l.Expired(now, p.cfg.ConnectionTimeout) {
		delete(p.leases, conversationID)
		p.slots <- struct{}{}
		return nil, false
	}
	l.LastUsed = now
	return l, true
}

// Release frees the conversation's slot. Releasing an unknown key is a no-op.
func (p *Pool) Release(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.leases[conversationID]; !ok {
		return
	}
	delete(p.leases, conversationID)
	p.slots <- struct{}{}
}

// Cleanup drops leases older than ConnectionTimeout and returns how many
// slots it freed.
func (p *Pool) Cleanup() int {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for id, l := range p.leases {
		if l.Expired(now, p.cfg.ConnectionTimeout) {
			delete(p.leases, id)
			p.slots <- struct{}{}
			n++
		}
	}
	if n > 0 {
		p.logger.Debug("expired leases swept", zap.Int("count", n))
	}
	return n
}

// Active returns the number of leases held.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// Capacity returns MaxConnections.
func (p *Pool) Capacity() int {
	return p.cfg.MaxConnections
}
