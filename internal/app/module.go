// Package app composes the client core with fx: config, logging,
// session lock, metadata store, REST backend, transport manager and
// the chat controller, with lifecycle hooks for startup and shutdown.
package app

import (
	"context"
	"fmt"

	"github.com/loqui-im/loqui/internal/backend"
	"github.com/loqui-im/loqui/internal/bus"
	"github.com/loqui-im/loqui/internal/chat"
	"github.com/loqui-im/loqui/internal/config"
	"github.com/loqui-im/loqui/internal/lock"
	"github.com/loqui-im/loqui/internal/logging"
	"github.com/loqui-im/loqui/internal/meta"
	"github.com/loqui-im/loqui/internal/session"
	"github.com/loqui-im/loqui/internal/status"
	"github.com/loqui-im/loqui/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the client daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideMeta,
			provideBackend,
			provideTransport,
			provideController,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
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

func provideMeta(p Params, logger *zap.Logger) (*meta.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := meta.Open(dbPath)
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
	logger.Info("metadata store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) *backend.Client {
	return backend.NewClient(cfg.Server.APIURL, cfg.Server.Token, logger)
}

func provideTransport(cfg *config.Config, machine *status.Machine, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(transport.Options{
		URL:   cfg.Server.WSURL,
		Token: cfg.Server.Token,
	}, machine, logger)
}

func provideController(cfg *config.Config, mgr *transport.Manager, client *backend.Client, db *meta.DB, b *bus.Bus, logger *zap.Logger) (*chat.Controller, error) {
	self, err := backend.Identity(cfg.Server.Token)
	if err != nil {
		return nil, fmt.Errorf("resolve local user: %w", err)
	}
	return chat.NewController(self, mgr, client, db, b, logger, chat.Options{}), nil
}

func registerLifecycle(lc fx.Lifecycle, ctrl *chat.Controller, mgr *transport.Manager, db *meta.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctrl.Start(context.Background())
			mgr.Connect()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctrl.Stop()
			mgr.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing metadata store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
