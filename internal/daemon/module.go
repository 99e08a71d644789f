package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/carechat/internal/api"
	"github.com/matheus3301/carechat/internal/bus"
	"github.com/matheus3301/carechat/internal/cache"
	"github.com/matheus3301/carechat/internal/clock"
	"github.com/matheus3301/carechat/internal/config"
	"github.com/matheus3301/carechat/internal/connectivity"
	"github.com/matheus3301/carechat/internal/delivery"
	"github.com/matheus3301/carechat/internal/kv"
	"github.com/matheus3301/carechat/internal/lock"
	"github.com/matheus3301/carechat/internal/logging"
	"github.com/matheus3301/carechat/internal/maintenance"
	"github.com/matheus3301/carechat/internal/metrics"
	"github.com/matheus3301/carechat/internal/model"
	"github.com/matheus3301/carechat/internal/outbox"
	"github.com/matheus3301/carechat/internal/paths"
	"github.com/matheus3301/carechat/internal/pool"
	"github.com/matheus3301/carechat/internal/remote"
	"github.com/matheus3301/carechat/internal/store"
	intsync "github.com/matheus3301/carechat/internal/sync"
)

// RemoteMemory selects the in-process remote store instead of a URL.
const RemoteMemory = "memory"

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // empty = ~/.carechat/config.toml
	// Config, when set, is used as is instead of resolving ConfigPath.
	Config *config.Config
	// ServeRemote hosts an in-process remote store at this address so
	// several daemons can share it during local development.
	ServeRemote string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideClock,
			provideBus,
			provideLock,
			provideStore,
			provideDurable,
			provideRemote,
			provideMonitor,
			provideOutbox,
			providePool,
			provideTracker,
			provideCache,
			provideReconciler,
			provideEngine,
			provideMetrics,
			provideScheduler,
			provideSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	path := p.ConfigPath
	if path == "" {
		path = paths.ConfigPath()
	}
	return config.Resolve(path)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := paths.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideClock() clock.Clock {
	return clock.Real()
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(paths.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// daemons of the same profile.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// durable groups the two key-value stores: State holds the outbox export,
// connectivity status and sync checkpoints; Cache backs the message cache.
type durable struct {
	State kv.Store
	Cache kv.Store
	close func() error
}

func provideDurable(p Params, cfg *config.Config, db *store.DB, logger *zap.Logger) (*durable, error) {
	state := kv.NewSQLite(db)
	d := &durable{State: state, Cache: state, close: func() error { return nil }}
	if cfg.CacheBackend == config.BackendPebble {
		pb, err := kv.OpenPebble(paths.CacheDir(p.Profile))
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		d.Cache = pb
		d.close = pb.Close
	}
	logger.Info("cache backend ready", zap.String("backend", cfg.CacheBackend))
	return d, nil
}

// remoteDeps is the remote store together with the subscription strategy
// chosen for it. Memory is set when the store is in-process.
type remoteDeps struct {
	Store      remote.Store
	Subscriber remote.Subscriber
	Memory     *remote.Memory
}

func provideRemote(p Params, cfg *config.Config, logger *zap.Logger) *remoteDeps {
	var rd remoteDeps
	switch {
	case cfg.RemoteURL == RemoteMemory || p.ServeRemote != "":
		rd.Memory = remote.NewMemory()
		rd.Store = rd.Memory
	case cfg.Transport == config.TransportStream:
		rd.Store = remote.NewWSStore(cfg.RemoteURL, cfg.ConnectionTimeout)
	default:
		rd.Store = remote.NewHTTP(cfg.RemoteURL, cfg.ConnectionTimeout)
	}

	if cfg.Transport == config.TransportPoll {
		rd.Subscriber = remote.NewPollingSubscriber(rd.Store, cfg.PollInterval, logger)
	} else {
		rd.Subscriber = remote.NewStreamSubscriber(rd.Store, logger)
	}
	logger.Info("remote store configured",
		zap.String("url", cfg.RemoteURL),
		zap.String("transport", cfg.Transport),
		zap.Bool("in_process", rd.Memory != nil))
	return &rd
}

func provideMonitor(cfg *config.Config, d *durable, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.New(connectivity.Config{
		ProbeURL: cfg.ProbeURL,
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.ProbeTimeout,
	}, d.State, b, clk, logger)
}

func provideOutbox(cfg *config.Config, db *store.DB, d *durable, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *outbox.Queue {
	return outbox.New(db, d.State, b, clk, cfg.MaxRetries, logger)
}

func providePool(cfg *config.Config, clk clock.Clock, logger *zap.Logger) *pool.Pool {
	return pool.New(pool.Config{
		MaxConnections:    cfg.MaxConnections,
		ConnectionTimeout: cfg.ConnectionTimeout,
		AcquireTimeout:    cfg.AcquireTimeout,
	}, clk, logger)
}

func provideTracker(db *store.DB, rd *remoteDeps, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *delivery.Tracker {
	return delivery.New(db, rd.Store, b, clk, logger)
}

func provideCache(cfg *config.Config, rd *remoteDeps, d *durable, db *store.DB, clk clock.Clock, logger *zap.Logger) *cache.Manager {
	return cache.New(cache.Config{
		PageSize:         cfg.MessagesPerPage,
		TTL:              cfg.CacheExpiry,
		MaxConversations: cfg.MaxCachedConversations,
	}, rd.Store, d.Cache, db.GetMessage, clk, logger)
}

func provideReconciler(d *durable, rd *remoteDeps, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(d.State, rd.Store, logger)
}

type engineIn struct {
	fx.In

	Config     *config.Config
	DB         *store.DB
	Outbox     *outbox.Queue
	Pool       *pool.Pool
	Cache      *cache.Manager
	Tracker    *delivery.Tracker
	Monitor    *connectivity.Monitor
	Remote     *remoteDeps
	Reconciler *intsync.Reconciler
	Bus        *bus.Bus
	Clock      clock.Clock
	Logger     *zap.Logger
}

func provideEngine(in engineIn) *intsync.Engine {
	return intsync.New(intsync.Config{DeliveryDelay: in.Config.DeliveryDelay}, intsync.Deps{
		DB:         in.DB,
		Outbox:     in.Outbox,
		Pool:       in.Pool,
		Cache:      in.Cache,
		Tracker:    in.Tracker,
		Monitor:    in.Monitor,
		Remote:     in.Remote.Store,
		Subscriber: in.Remote.Subscriber,
		Reconciler: in.Reconciler,
		Bus:        in.Bus,
		Clock:      in.Clock,
		Logger:     in.Logger,
	})
}

func provideMetrics(engine *intsync.Engine, p *pool.Pool, c *cache.Manager, b *bus.Bus, logger *zap.Logger) *metrics.Metrics {
	return metrics.New(metrics.Sources{
		QueueStatus:   func() model.QueueStatus { return engine.QueueStatus(context.Background()) },
		PoolActive:    p.Active,
		PoolCapacity:  p.Capacity(),
		Subscriptions: engine.Subscriptions,
		CacheStats:    c.Stats,
	}, b, logger)
}

func provideScheduler(cfg *config.Config, engine *intsync.Engine, p *pool.Pool, c *cache.Manager, clk clock.Clock, logger *zap.Logger) (*maintenance.Scheduler, error) {
	return maintenance.New(cfg.MaintenanceCron, clk, logger,
		maintenance.Task{Name: "pool.cleanup", Run: func(context.Context) int { return p.Cleanup() }},
		maintenance.Task{Name: "cache.cleanup", Run: c.CleanupCache},
		maintenance.Task{Name: "outbox.drain", Run: func(ctx context.Context) int {
			return engine.DrainOutbox(ctx).Sent
		}},
	)
}

func provideSyncService(p Params, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(engine, b, p.Profile, logger)
}

type lifecycleIn struct {
	fx.In

	Params    Params
	Config    *config.Config
	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Durable   *durable
	Remote    *remoteDeps
	Engine    *intsync.Engine
	Metrics   *metrics.Metrics
	Scheduler *maintenance.Scheduler
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	logger := in.Logger
	var (
		metricsSrv *metrics.Server
		remoteSrv  *remoteServer
	)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if in.Params.ServeRemote != "" {
				srv, err := serveRemote(in.Params.ServeRemote, in.Remote.Memory, logger)
				if err != nil {
					return fmt.Errorf("serve remote store: %w", err)
				}
				remoteSrv = srv
			}
			if in.Config.MetricsAddr != "" {
				srv, err := in.Metrics.Listen(in.Config.MetricsAddr)
				if err != nil {
					return fmt.Errorf("metrics listen: %w", err)
				}
				metricsSrv = srv
			}

			// Counting starts before the engine so the first drain is observed.
			in.Metrics.Start(context.Background())
			in.Engine.Start(context.Background())
			in.Metrics.SetOnline(in.Engine.IsOnline())
			in.Scheduler.Start(context.Background())

			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			in.Server.Stop(ctx)
			in.Scheduler.Stop()
			in.Engine.Stop()
			in.Metrics.Stop()
			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			if remoteSrv != nil {
				if err := remoteSrv.Shutdown(ctx); err != nil {
					logger.Warn("error stopping remote store server", zap.Error(err))
				}
			}
			if err := in.Durable.close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
