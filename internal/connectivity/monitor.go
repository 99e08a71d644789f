// Package connectivity tracks whether the remote store is reachable and
// notifies listeners on transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/clock"
	"github.com/matheus3301/carechat/internal/errs"
	"github.com/matheus3301/carechat/internal/kv"
)

// StatusKey is the durable key holding the last observed state.
const StatusKey = "connection_status"

// Status is the persisted connectivity state.
type Status struct {
	IsOnline  bool  `json:"isOnline"`
	Timestamp int64 `json:"timestamp"`
}

// Config controls probing. An empty ProbeURL disables probing; state then
// only changes through SetOnline.
type Config struct {
	ProbeURL string
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor owns the online/offline state.
type Monitor struct {
	cfg    Config
	client *fasthttp.Client
	kv     kv.Store
	bus    *bus.Bus
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextID    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. It starts offline until Start seeds it.
func New(cfg Config, store kv.Store, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		client:    &fasthttp.Client{Name: "carechat-probe"},
		kv:        store,
		bus:       b,
		clock:     clk,
		logger:    logger,
		listeners: make(map[int]func(bool)),
	}
}

// Start seeds the state from the last persisted value, probes once, then
// probes every Interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.seed(ctx)

	ctx, m.cancel = context.WithCancel(ctx)
	if m.cfg.ProbeURL == "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.set(ctx, m.Probe(ctx))

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.set(ctx, m.Probe(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends probing and waits for the probe loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) seed(ctx context.Context) {
	if m.kv == nil {
		return
	}
	var st Status
	err := kv.GetJSON(ctx, m.kv, StatusKey, &st)
	switch {
	case err == nil:
		m.mu.Lock()
		m.online = st.IsOnline
		m.mu.Unlock()
		m.logger.Info("connectivity seeded", zap.Bool("online", st.IsOnline), zap.Int64("since", st.Timestamp))
	case errs.Is(err, errs.NotFound):
	default:
		m.logger.Warn("failed to load connection status", zap.Error(err))
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnTransition registers fn to run on every state change. Listeners run
// synchronously on the goroutine that observed the change.
func (m *Monitor) OnTransition(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline applies a platform-native connectivity signal.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.set(ctx, online)
}

// Probe issues one bounded GET to the probe URL. Any 2xx or 3xx is online.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.cfg.ProbeURL == "" {
		return m.IsOnline()
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(m.cfg.ProbeURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	timeout := m.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if err := m.client.DoTimeout(req, resp, timeout); err != nil {
		m.logger.Debug("connectivity probe failed", zap.String("url", m.cfg.ProbeURL), zap.Error(err))
		return false
	}
	code := resp.StatusCode()
	return code >= 200 && code < 400
}

func (m *Monitor) set(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	now := m.clock.Now()
	m.logger.Info("connectivity changed", zap.Bool("online", online))

	if m.kv != nil {
		if err := kv.PutJSON(ctx, m.kv, StatusKey, Status{IsOnline: online, Timestamp: now.UnixMilli()}); err != nil {
			m.logger.Warn("failed to persist connection status", zap.Error(err))
		}
	}
	if m.bus != nil {
		kind := bus.KindConnectivityOffline
		if online {
			kind = bus.KindConnectivityOnline
		}
		m.bus.Publish(bus.Event{Kind: kind, Timestamp: now, Payload: online})
	}
	for _, fn := range fns {
		fn(online)
	}
}
