// Package daemon composes the sync core into a long-running process: one
// profile, one store, one backend client, and the loopback control surface.
package daemon

import (
	"context"
	"os"
	"strconv"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/clock"
	"github.com/confessr/chatd/internal/config"
	"github.com/confessr/chatd/internal/health"
	"github.com/confessr/chatd/internal/lock"
	"github.com/confessr/chatd/internal/logging"
	"github.com/confessr/chatd/internal/outbox"
	"github.com/confessr/chatd/internal/profile"
	"github.com/confessr/chatd/internal/push"
	"github.com/confessr/chatd/internal/realtime"
	"github.com/confessr/chatd/internal/send"
	"github.com/confessr/chatd/internal/store"
	intsync "github.com/confessr/chatd/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ListenAddr string // optional override for testing; empty = loopback ephemeral
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideClient,
			provideMonitor,
			provideActive,
			provideQueue,
			provideSender,
			provideWorker,
			provideReconciler,
			provideRecovery,
			provideManager,
			provideIntake,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

// provideConfig reads the global config file. A missing file is not an
// error: the daemon runs on tuning defaults and an empty backend URL
// until the user writes one.
func provideConfig(logger *zap.Logger) *config.Config {
	path := profile.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read config, using defaults", zap.Error(err), zap.String("path", path))
		}
		cfg = &config.Config{}
	}
	cfg.Tuning.ApplyDefaults()
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.Real{}
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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

func provideClient(cfg *config.Config, logger *zap.Logger) *backend.Client {
	return backend.NewClient(cfg.Backend.URL, cfg.Backend.AnonKey, nil, logger)
}

func provideMonitor(cfg *config.Config, client *backend.Client, clk clock.Clock, logger *zap.Logger) *health.Monitor {
	t := cfg.Tuning
	return health.NewMonitor(client, client, clk,
		t.BreakerThreshold, t.BreakerCooldown.Std(), t.TokenExpirySkew.Std(), logger)
}

func provideActive() *intsync.Active {
	return &intsync.Active{}
}

func provideQueue(db *store.DB, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, b, clk, logger)
}

func provideSender(cfg *config.Config, client *backend.Client, monitor *health.Monitor, db *store.DB, q *outbox.Queue, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *send.Sender {
	t := cfg.Tuning
	return send.NewSender(client, monitor, db, q, b, clk, t.SendTimeout.Std(), t.SendAttempts, logger)
}

func provideWorker(cfg *config.Config, db *store.DB, sender *send.Sender, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *outbox.Worker {
	t := cfg.Tuning
	return outbox.NewWorker(db, sender, b, clk,
		t.OutboxMaxRetries, t.OutboxBackoffBase.Std(), t.OutboxBackoffCap.Std(), t.SendTimeout.Std(), logger)
}

func provideReconciler(db *store.DB, b *bus.Bus, clk clock.Clock, active *intsync.Active, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, b, clk, active, logger)
}

func provideRecovery(cfg *config.Config, db *store.DB, client *backend.Client, rec *intsync.Reconciler, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *intsync.Recovery {
	return intsync.NewRecovery(db, client, rec, b, clk, cfg.Tuning.GapFetchPageSize, logger)
}

func provideManager(p Params, cfg *config.Config, client *backend.Client, monitor *health.Monitor, rec *intsync.Reconciler, recovery *intsync.Recovery, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *realtime.Manager {
	t := cfg.Tuning
	return realtime.NewManager(realtime.DialWebsocket, monitor, rec, recovery, b, clk, realtime.Options{
		URL:               client.RealtimeURL(),
		PresenceKey:       p.Profile,
		HeartbeatInterval: t.HeartbeatInterval.Std(),
		LivenessTimeout:   t.LivenessTimeout.Std(),
		SubscribeTimeout:  t.SubscribeTimeout.Std(),
		PollPeriod:        t.PollFallbackPeriod.Std(),
	}, logger)
}

func provideIntake(rec *intsync.Reconciler, client *backend.Client, clk clock.Clock, logger *zap.Logger) *push.Intake {
	return push.NewIntake(rec, client, clk, logger)
}

func provideServer(p Params, db *store.DB, client *backend.Client, monitor *health.Monitor, sender *send.Sender, q *outbox.Queue, manager *realtime.Manager, active *intsync.Active, intake *push.Intake, b *bus.Bus, clk clock.Clock, logger *zap.Logger) (*Server, error) {
	return NewServer(p, serverDeps{
		db:      db,
		client:  client,
		monitor: monitor,
		sender:  sender,
		queue:   q,
		manager: manager,
		active:  active,
		intake:  intake,
		bus:     b,
		clk:     clk,
		logger:  logger,
		profile: p.Profile,
	})
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, monitor *health.Monitor, worker *outbox.Worker, recovery *intsync.Recovery, manager *realtime.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Restore whatever session the last run left behind, then
			// refresh it in the background. A stale token is still
			// applied: stale-but-present beats none.
			if sess := loadSession(db, logger); sess != nil {
				monitor.SetSession(sess)
				go monitor.RefreshSessionBounded(context.Background(), cfg.Tuning.RefreshTimeout.Std())
			}

			recovery.Start(context.Background())
			worker.Start(context.Background())
			manager.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// Re-open the channels for every known group.
			groups, err := db.ListGroups(1000, 0)
			if err != nil {
				return err
			}
			for _, g := range groups {
				manager.Subscribe(g.ID)
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Stop()
			worker.Stop()
			recovery.Stop()
			srv.Stop(ctx)
			if sess := monitor.Session(); sess != nil {
				persistSession(db, sess, logger)
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// Session persistence keys in the sync_state table.
const (
	stateAccessToken  = "auth:access_token"
	stateRefreshToken = "auth:refresh_token"
	stateTokenExpiry  = "auth:expires_at"
)

func persistSession(db *store.DB, sess *backend.Session, logger *zap.Logger) {
	for key, value := range map[string]string{
		stateAccessToken:  sess.AccessToken,
		stateRefreshToken: sess.RefreshToken,
		stateTokenExpiry:  strconv.FormatInt(sess.Expiry().Unix(), 10),
	} {
		if err := db.SetState(key, value); err != nil {
			logger.Warn("failed to persist session", zap.Error(err), zap.String("key", key))
			return
		}
	}
}

func loadSession(db *store.DB, logger *zap.Logger) *backend.Session {
	access, err := db.GetState(stateAccessToken)
	if err != nil {
		logger.Warn("failed to load session", zap.Error(err))
		return nil
	}
	refresh, err := db.GetState(stateRefreshToken)
	if err != nil {
		logger.Warn("failed to load session", zap.Error(err))
		return nil
	}
	if access == "" && refresh == "" {
		return nil
	}
	expiry, err := db.GetState(stateTokenExpiry)
	if err != nil {
		logger.Warn("failed to load session", zap.Error(err))
		return nil
	}
	expiresAt, _ := strconv.ParseInt(expiry, 10, 64)
	return &backend.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}
}
