package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/assign"
	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/config"
	"github.com/bslsalud/opchat/internal/ingest"
	"github.com/bslsalud/opchat/internal/lock"
	"github.com/bslsalud/opchat/internal/logging"
	"github.com/bslsalud/opchat/internal/outbox"
	"github.com/bslsalud/opchat/internal/provider"
	"github.com/bslsalud/opchat/internal/relay"
	"github.com/bslsalud/opchat/internal/session"
	"github.com/bslsalud/opchat/internal/status"
	"github.com/bslsalud/opchat/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ListenAddr  string // optional override for testing; empty = use config
}

// Module returns the fx module for the relay daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideProviderClient,
			provideAssigner,
			provideEngine,
			provideBackfiller,
			provideSender,
			provideHub,
			provideRelay,
			provideBridge,
			provideBroker,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("path", session.ConfigPath()),
		zap.Int("agents", len(cfg.ActiveAgents())))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideProviderClient(cfg *config.Config, logger *zap.Logger) *provider.Client {
	return provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.Token,
		provider.WithLogger(logger))
}

func provideAssigner(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *assign.Assigner {
	return assign.New(db, b, logger, cfg.ActiveAgents(), cfg.Provider.ExcludedNumbers)
}

func provideEngine(db *store.DB, b *bus.Bus, assigner *assign.Assigner, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(db, b, assigner, logger)
}

func provideBackfiller(client *provider.Client, db *store.DB, b *bus.Bus, assigner *assign.Assigner, logger *zap.Logger) *ingest.Backfiller {
	return ingest.NewBackfiller(client, db, b, assigner, logger)
}

func provideSender(cfg *config.Config, db *store.DB, client *provider.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	var opts []outbox.SenderOption
	if cfg.Provider.TemplateSID != "" {
		opts = append(opts, outbox.WithTemplateFallback(cfg.Provider.TemplateSID))
	}
	return outbox.NewSender(db, client, b, logger, opts...)
}

func provideHub() *relay.Hub {
	return relay.NewHub()
}

func provideRelay(cfg *config.Config, db *store.DB, b *bus.Bus, assigner *assign.Assigner, hub *relay.Hub, logger *zap.Logger) *relay.Server {
	return relay.NewServer(cfg, db, b, assigner, hub, logger)
}

func provideBridge(db *store.DB, b *bus.Bus, hub *relay.Hub, logger *zap.Logger) *relay.Bridge {
	return relay.NewBridge(db, b, hub, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, engine *ingest.Engine, backfiller *ingest.Backfiller, sender *outbox.Sender, bridge *relay.Bridge, broker *Broker, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Ingest must be listening before anything publishes provider events.
			engine.Start(context.Background())
			bridge.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
					_ = machine.Transition(status.Error)
				}
			}()

			_ = machine.Transition(status.Connecting)
			backfiller.Start(context.Background())
			broker.Start(context.Background())
			_ = machine.Transition(status.Ready)

			return nil
		},
		OnStop: func(ctx context.Context) error {
			broker.Stop()
			backfiller.Stop()
			sender.Stop()
			bridge.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
