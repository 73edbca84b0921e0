// Package daemon composes the session process: one locked session directory,
// one store, one websocket connection, and the queue/dispatch/sync machinery
// around them.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/vtstv/nexyc/internal/auth"
	"github.com/vtstv/nexyc/internal/bus"
	"github.com/vtstv/nexyc/internal/client"
	"github.com/vtstv/nexyc/internal/config"
	"github.com/vtstv/nexyc/internal/dispatch"
	"github.com/vtstv/nexyc/internal/lock"
	"github.com/vtstv/nexyc/internal/logging"
	"github.com/vtstv/nexyc/internal/netmon"
	"github.com/vtstv/nexyc/internal/nexy"
	"github.com/vtstv/nexyc/internal/notify"
	"github.com/vtstv/nexyc/internal/queue"
	"github.com/vtstv/nexyc/internal/rest"
	"github.com/vtstv/nexyc/internal/session"
	"github.com/vtstv/nexyc/internal/store"
	intsync "github.com/vtstv/nexyc/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
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
			provideLock,
			provideStore,
			provideAuth,
			provideNetworkMonitor,
			provideTransport,
			provideREST,
			provideNotifier,
			provideQueue,
			provideSyncEngine,
			provideDispatcher,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("no config file, using defaults", zap.Error(err))
		return config.Default()
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
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

func provideAuth(p Params) (*auth.Manager, error) {
	return auth.Load(session.CredentialsPath(p.SessionName))
}

func provideNetworkMonitor(b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(b, logger)
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *nexy.Transport {
	return nexy.New(cfg.ServerURL, b, logger)
}

func provideREST(cfg *config.Config, mgr *auth.Manager) *rest.Client {
	return rest.NewClient(cfg.APIURL, mgr)
}

func provideNotifier(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) notify.Notifier {
	enabled := func() bool { return cfg.Notifications }
	muted := func(chatID int64) bool {
		chat, err := db.GetChat(chatID)
		return err == nil && chat != nil && chat.Muted
	}
	return notify.New(b, logger, enabled, muted)
}

func provideQueue(db *store.DB, transport *nexy.Transport, monitor *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *queue.Manager {
	return queue.NewManager(db, transport, monitor, b, logger)
}

func provideSyncEngine(db *store.DB, api *rest.Client, b *bus.Bus, logger *zap.Logger, mgr *auth.Manager) *intsync.Engine {
	return intsync.NewEngine(db, api, b, logger, mgr.UserID)
}

func provideDispatcher(db *store.DB, q *queue.Manager, engine *intsync.Engine, api *rest.Client, notifier notify.Notifier, b *bus.Bus, logger *zap.Logger, mgr *auth.Manager) *dispatch.Dispatcher {
	return dispatch.New(db, q, engine, api, notifier, b, logger, mgr.UserID)
}

func provideClient(db *store.DB, q *queue.Manager, transport *nexy.Transport, logger *zap.Logger, mgr *auth.Manager) *client.Client {
	return client.New(db, q, transport, logger, mgr.UserID)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, transport *nexy.Transport, monitor *netmon.Monitor, q *queue.Manager, engine *intsync.Engine, d *dispatch.Dispatcher, cl *client.Client, mgr *auth.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			monitor.Start()
			d.Start()
			q.Start()
			engine.Start()

			if mgr.LoggedIn() {
				go func() {
					if err := transport.Connect(mgr.Token()); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
						return
					}
					cl.SendPresence(true)
				}()
			} else {
				logger.Info("no credentials found, auth required")
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			if transport.Connected() {
				cl.SendPresence(false)
			}
			engine.Stop()
			d.Stop()
			q.Stop()
			monitor.Stop()
			transport.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
