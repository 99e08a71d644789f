// Package metrics exposes the delivery subsystem's state as Prometheus
// collectors on a private registry.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/delivery"
	"github.com/matheus3301/carechat/internal/model"
)

const namespace = "carechat"

// Sources are read on every scrape. Nil funcs are skipped.
type Sources struct {
	QueueStatus   func() model.QueueStatus
	PoolActive    func() int
	PoolCapacity  int
	Subscriptions func() int
	CacheStats    func() (hits, misses uint64)
}

// Metrics owns the registry and the bus-driven counters.
type Metrics struct {
	reg    *prometheus.Registry
	bus    *bus.Bus
	logger *zap.Logger

	enqueued    prometheus.Counter
	sent        prometheus.Counter
	failed      prometheus.Counter
	drains      prometheus.Counter
	ingested    prometheus.Counter
	transitions *prometheus.CounterVec
	online      prometheus.Gauge

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the collectors and registers them.
func New(src Sources, b *bus.Bus, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		reg:    prometheus.NewRegistry(),
		bus:    b,
		logger: logger,
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "enqueued_total",
			Help: "Messages written to the outbox.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "sent_total",
			Help: "Outbox entries delivered by a drain.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "failed_total",
			Help: "Outbox entries that exhausted their retries.",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "drains_total",
			Help: "Completed drain passes.",
		}),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "upserted_total",
			Help: "Messages sent or first seen on a subscription.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "status_transitions_total",
			Help: "Applied message status transitions by target status.",
		}, []string{"to"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online",
			Help: "1 while the connectivity monitor reports online.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.enqueued, m.sent, m.failed, m.drains, m.ingested, m.transitions, m.online,
	)

	if src.QueueStatus != nil {
		m.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "outbox", Name: "queued",
				Help: "Outbox entries waiting to be sent.",
			}, func() float64 { return float64(src.QueueStatus().QueuedCount) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "outbox", Name: "failed",
				Help: "Outbox entries parked as FAILED.",
			}, func() float64 { return float64(src.QueueStatus().FailedCount) }),
		)
	}
	if src.PoolActive != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "active_leases",
			Help: "Connection leases currently held.",
		}, func() float64 { return float64(src.PoolActive()) }))
	}
	if src.PoolCapacity > 0 {
		capacity := float64(src.PoolCapacity)
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "capacity",
			Help: "Maximum concurrent connection leases.",
		}, func() float64 { return capacity }))
	}
	if src.Subscriptions != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscriptions",
			Help: "Conversations with a live remote subscription.",
		}, func() float64 { return float64(src.Subscriptions()) }))
	}
	if src.CacheStats != nil {
		m.reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "cache", Name: "hits_total",
				Help: "History pages served from cache.",
			}, func() float64 { h, _ := src.CacheStats(); return float64(h) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "cache", Name: "misses_total",
				Help: "History pages that needed a remote fetch.",
			}, func() float64 { _, mi := src.CacheStats(); return float64(mi) }),
		)
	}
	if b != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Events skipped because a listener's buffer was full.",
		}, func() float64 { return float64(b.Dropped()) }))
	}
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetOnline seeds the online gauge; bus events keep it current afterwards.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// Start counts bus events until Stop.
func (m *Metrics) Start(ctx context.Context) {
	if m.bus == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("", 512)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.observe(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends event counting.
func (m *Metrics) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Metrics) observe(evt bus.Event) {
	switch evt.Kind {
	case bus.KindOutboxEnqueued:
		m.enqueued.Inc()
	case bus.KindOutboxSent:
		m.sent.Inc()
	case bus.KindOutboxFailed:
		m.failed.Inc()
	case bus.KindOutboxDrained:
		m.drains.Inc()
	case bus.KindMessageUpserted:
		m.ingested.Inc()
	case bus.KindMessageStatus:
		if sc, ok := evt.Payload.(delivery.StatusChange); ok {
			m.transitions.WithLabelValues(string(sc.To)).Inc()
		}
	case bus.KindConnectivityOnline:
		m.online.Set(1)
	case bus.KindConnectivityOffline:
		m.online.Set(0)
	}
}

// Server serves /metrics over HTTP.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr and serves the registry at /metrics in the background.
func (m *Metrics) Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: m.logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	m.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
