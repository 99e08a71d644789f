// Package sync orchestrates delivery: it decides between sending now and
// queueing, drains the outbox on reconnect, serves history through the cache
// and ingests what remote subscriptions observe.
package sync

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/cache"
	"github.com/matheus3301/carechat/internal/clock"
	"github.com/matheus3301/carechat/internal/connectivity"
	"github.com/matheus3301/carechat/internal/delivery"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/outbox"
	"github.com/matheus3301/carechat/internal/pool"
	"github.com/matheus3301/carechat/internal/remote"
	"github.com/matheus3301/carechat/internal/store"
)

const previewLen = 100

// Config tunes the engine's timers.
type Config struct {
	// DeliveryDelay is how long after a send the message is marked DELIVERED
	// unless the recipient acknowledged it first. Negative disables it.
	DeliveryDelay time.Duration
	// RetryBackoff is the first pause before re-draining entries that failed
	// while online. It doubles up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// Deps are the long-lived components the engine coordinates.
type Deps struct {
	DB         *store.DB
	Outbox     *outbox.Queue
	Pool       *pool.Pool
	Cache      *cache.Manager
	Tracker    *delivery.Tracker
	Monitor    *connectivity.Monitor
	Remote     remote.Store
	Subscriber remote.Subscriber
	Reconciler *Reconciler
	Bus        *bus.Bus
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Engine is the sync engine.
type Engine struct {
	cfg        Config
	db         *store.DB
	outbox     *outbox.Queue
	pool       *pool.Pool
	cache      *cache.Manager
	tracker    *delivery.Tracker
	monitor    *connectivity.Monitor
	remote     remote.Store
	subscriber remote.Subscriber
	reconciler *Reconciler
	bus        *bus.Bus
	clock      clock.Clock
	logger     *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unwatch func()

	mu      sync.Mutex
	stopped bool
	subs    map[string]*subscription
	timers  map[string]map[string]*time.Timer
	nextKey int
	redrain *time.Timer
	backoff time.Duration
}

// New creates an engine. It is usable before Start; Start wires it to the
// connectivity monitor.
func New(cfg Config, d Deps) *Engine {
	if cfg.DeliveryDelay == 0 {
		cfg.DeliveryDelay = time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = 30 * time.Second
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Subscriber == nil {
		d.Subscriber = remote.NewStreamSubscriber(d.Remote, d.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		db:         d.DB,
		outbox:     d.Outbox,
		pool:       d.Pool,
		cache:      d.Cache,
		tracker:    d.Tracker,
		monitor:    d.Monitor,
		remote:     d.Remote,
		subscriber: d.Subscriber,
		reconciler: d.Reconciler,
		bus:        d.Bus,
		clock:      d.Clock,
		logger:     d.Logger,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*subscription),
		timers:     make(map[string]map[string]*time.Timer),
	}
}

// Start registers for connectivity transitions, starts the monitor and, when
// already online, drains whatever a previous run left queued.
func (e *Engine) Start(_ context.Context) {
	e.unwatch = e.monitor.OnTransition(e.onTransition)
	e.monitor.Start(e.ctx)
	if e.monitor.IsOnline() {
		e.goDrain()
	}
	e.logger.Info("sync engine started", zap.Bool("online", e.monitor.IsOnline()))
}

// Stop tears down subscriptions and timers and waits for background work.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.redrain != nil {
		e.redrain.Stop()
		e.redrain = nil
	}
	for conv, ts := range e.timers {
		for _, t := range ts {
			t.Stop()
		}
		delete(e.timers, conv)
	}
	subs := e.subs
	e.subs = make(map[string]*subscription)
	e.mu.Unlock()

	for _, s := range subs {
		s.teardown(e.pool)
	}
	if e.unwatch != nil {
		e.unwatch()
	}
	e.monitor.Stop()
	e.cancel()
	e.wg.Wait()
	e.logger.Info("sync engine stopped")
}

// IsOnline reports the monitor's current state.
func (e *Engine) IsOnline() bool { return e.monitor.IsOnline() }

// SetOnline forwards a platform connectivity signal to the monitor.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.monitor.SetOnline(ctx, online)
}

func (e *Engine) onTransition(online bool) {
	if !online {
		e.mu.Lock()
		if e.redrain != nil {
			e.redrain.Stop()
			e.redrain = nil
		}
		e.backoff = 0
		e.mu.Unlock()
		return
	}
	e.goDrain()
	e.mu.Lock()
	subs := make([]*subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()
	for _, s := range subs {
		e.goCatchUp(s)
	}
}

// goRun runs fn in the background unless the engine is stopping.
func (e *Engine) goRun(fn func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) goDrain() {
	e.goRun(func() { e.DrainOutbox(e.ctx) })
}

// DrainOutbox sends queued entries in enqueue order through the pool.
// Entries that exhaust their retries are mirrored locally as FAILED and are
// never written remotely. Entries that failed but have retries left are
// re-drained after a backoff while the engine stays online.
func (e *Engine) DrainOutbox(ctx context.Context) outbox.DrainResult {
	if !e.monitor.IsOnline() {
		e.logger.Debug("drain skipped while offline")
		return outbox.DrainResult{Skipped: true}
	}
	res := e.outbox.Drain(ctx, e.deliver)
	if res.Skipped {
		return res
	}
	for _, q := range res.Exhausted {
		e.mirrorFailed(ctx, q)
	}

	e.mu.Lock()
	if res.Retried > 0 && e.monitor.IsOnline() {
		e.scheduleRedrainLocked()
	} else if res.Retried == 0 {
		e.backoff = 0
	}
	e.mu.Unlock()

	if res.Attempted > 0 {
		e.logger.Info("outbox drained",
			zap.Int("attempted", res.Attempted), zap.Int("sent", res.Sent),
			zap.Int("retried", res.Retried), zap.Int("failed", len(res.Exhausted)))
	}
	return res
}

func (e *Engine) scheduleRedrainLocked() {
	if e.stopped || e.redrain != nil {
		return
	}
	if e.backoff == 0 {
		e.backoff = e.cfg.RetryBackoff
	} else {
		e.backoff *= 2
		if e.backoff > e.cfg.MaxRetryBackoff {
			e.backoff = e.cfg.MaxRetryBackoff
		}
	}
	e.logger.Debug("re-drain scheduled", zap.Duration("in", e.backoff))
	e.redrain = time.AfterFunc(e.backoff, func() {
		e.mu.Lock()
		e.redrain = nil
		e.mu.Unlock()
		e.goDrain()
	})
}

// mirrorFailed records a local FAILED message for an exhausted entry so the
// sender sees it in the conversation.
func (e *Engine) mirrorFailed(ctx context.Context, q model.QueuedMessage) {
	msg := messageFor(q, q.EnqueuedAt)
	if err := e.tracker.Begin(ctx, msg); err != nil {
		e.logger.Error("failed to mirror failed message", zap.String("id", q.ID), zap.Error(err))
		return
	}
	if _, err := e.tracker.Advance(ctx, q.ConversationID, q.ID, model.StatusFailed, q.SenderID); err != nil {
		e.logger.Error("failed to mark message failed", zap.String("id", q.ID), zap.Error(err))
	}
	e.cache.Invalidate(ctx, q.ConversationID)
}

// RetryFailed requeues FAILED entries and drains them when online. It
// returns the number of entries requeued.
func (e *Engine) RetryFailed(ctx context.Context) int {
	n, err := e.outbox.RetryFailed(ctx)
	if err != nil {
		e.logger.Error("retry failed", zap.Error(err))
		return 0
	}
	if n > 0 && e.monitor.IsOnline() {
		e.DrainOutbox(ctx)
	}
	return n
}

// ClearFailed discards FAILED entries and returns how many were dropped.
func (e *Engine) ClearFailed(ctx context.Context) int {
	n, err := e.outbox.ClearFailed(ctx)
	if err != nil {
		e.logger.Error("clear failed", zap.Error(err))
		return 0
	}
	return n
}

// QueueStatus is the badge view of the outbox.
func (e *Engine) QueueStatus(ctx context.Context) model.QueueStatus {
	st, err := e.outbox.Status(ctx, e.monitor.IsOnline())
	if err != nil {
		e.logger.Error("queue status", zap.Error(err))
	}
	return st
}

// Pending lists every entry the outbox still owns.
func (e *Engine) Pending(ctx context.Context) []model.QueuedMessage {
	entries, err := e.outbox.Pending(ctx)
	if err != nil {
		e.logger.Error("list pending", zap.Error(err))
	}
	return entries
}

// callerError reports whether err describes a bad request rather than a
// failure inside the engine.
func callerError(err error) bool {
	switch errs.KindOf(err) {
	case errs.InvalidArgument, errs.NotFound, errs.Permission:
		return true
	}
	return false
}

func messageFor(q model.QueuedMessage, ts int64) model.Message {
	return model.Message{
		ID:             q.ID,
		ClientID:       q.ID,
		ConversationID: q.ConversationID,
		SenderID:       q.SenderID,
		RecipientID:    q.RecipientID,
		Timestamp:      ts,
		Body:           q.Body,
		Attachments:    q.Attachments,
	}
}

func preview(m model.Message) string {
	if m.Deleted {
		return ""
	}
	body := strings.TrimSpace(m.Body)
	if body == "" && len(m.Attachments) > 0 {
		return "[attachment]"
	}
	if r := []rune(body); len(r) > previewLen {
		return string(r[:previewLen])
	}
	return body
}
