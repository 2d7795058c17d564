// Package app assembles a profile's components with fx.
package app

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/blob"
	"github.com/matheus3301/simplechat/internal/bus"
	"github.com/matheus3301/simplechat/internal/config"
	"github.com/matheus3301/simplechat/internal/directory"
	"github.com/matheus3301/simplechat/internal/embedded"
	"github.com/matheus3301/simplechat/internal/lock"
	"github.com/matheus3301/simplechat/internal/logging"
	"github.com/matheus3301/simplechat/internal/outbox"
	"github.com/matheus3301/simplechat/internal/realtime"
	"github.com/matheus3301/simplechat/internal/session"
	"github.com/matheus3301/simplechat/internal/status"
	"github.com/matheus3301/simplechat/internal/store"
	"github.com/matheus3301/simplechat/internal/stream"
	"github.com/matheus3301/simplechat/internal/workspace"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile string
	Layout  workspace.Layout
	// ConsoleLevel is the stderr log level; empty means "warn".
	ConsoleLevel string
}

// App exposes the assembled components to commands.
type App struct {
	fx.In

	Config      *Settings
	Logger      *zap.Logger
	Bus         *bus.Bus
	Hub         *realtime.Hub
	Backend     *embedded.Backend
	Facade      *backend.Facade
	Session     *session.State
	Directory   *directory.Directory
	Coordinator *stream.Coordinator
	Sender      *outbox.Sender
	Store       *store.DB
}

// Settings is the effective profile config: file values with environment
// overrides and defaults applied. Only the user key is ever written back.
type Settings struct {
	Path string

	mu  sync.Mutex
	cfg *config.Config
}

// Get returns a copy of the config.
func (s *Settings) Get() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cfg
}

// SetUser records the signed-in user and saves the config.
func (s *Settings) SetUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.User == userID {
		return nil
	}
	if err := config.SaveUser(s.Path, userID); err != nil {
		return err
	}
	s.cfg.User = userID
	return nil
}

// Module returns the fx module for a profile, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideHub,
			provideBlobs,
			provideBackend,
			provideFacade,
			provideSession,
			provideDirectory,
			provideCoordinator,
			provideLimiter,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (*Settings, error) {
	if err := config.LoadEnvFile(p.Layout.EnvPath()); err != nil {
		return nil, err
	}
	path := p.Layout.ConfigPath(p.Profile)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &Settings{Path: path, cfg: cfg}, nil
}

func provideLogger(p Params, s *Settings) (*zap.Logger, error) {
	console := p.ConsoleLevel
	if console == "" {
		console = "warn"
	}
	return logging.New(p.Layout.LogPath(p.Profile), p.Profile, s.Get().LogLevel, console)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := p.Layout.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(p.Layout.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by a
// second instance of the same profile.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Layout.DBPath()
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

func provideHub(db *store.DB, b *bus.Bus, m *status.Machine, s *Settings, logger *zap.Logger) *realtime.Hub {
	cfg := s.Get()
	hub := realtime.NewHub(db, b, m, logger.Named("realtime"), cfg.PollInterval.Duration)
	hub.SetRetention(cfg.ChangeRetention.Duration)
	return hub
}

func provideBlobs(p Params) *blob.Store {
	return blob.New(p.Layout.BlobDir())
}

func provideBackend(db *store.DB, hub *realtime.Hub, blobs *blob.Store, b *bus.Bus, logger *zap.Logger) *embedded.Backend {
	return embedded.New(db, hub, blobs, b, logger.Named("backend"))
}

func provideFacade(be *embedded.Backend, logger *zap.Logger) *backend.Facade {
	return backend.NewFacade(be, logger.Named("facade"))
}

func provideSession(f *backend.Facade, logger *zap.Logger) *session.State {
	return session.New(f, logger.Named("session"))
}

func provideDirectory(f *backend.Facade, logger *zap.Logger) *directory.Directory {
	return directory.New(f, logger.Named("directory"))
}

func provideCoordinator(f *backend.Facade, st *session.State, s *Settings, logger *zap.Logger) *stream.Coordinator {
	cfg := s.Get()
	return stream.New(f, st, logger.Named("stream"), stream.Options{
		FetchLimit:   cfg.FetchLimit,
		FetchTimeout: cfg.FetchTimeout.Duration,
	})
}

func provideLimiter(s *Settings) *rate.Limiter {
	cfg := s.Get()
	return rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst)
}

func provideSender(db *store.DB, c *stream.Coordinator, st *session.State, b *bus.Bus, limiter *rate.Limiter, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, c, st, b, limiter, logger.Named("outbox"))
}

func registerLifecycle(lc fx.Lifecycle, s *Settings, lk *lock.Lock, db *store.DB, hub *realtime.Hub, be *embedded.Backend,
	st *session.State, dir *directory.Directory, coord *stream.Coordinator, sender *outbox.Sender, logger *zap.Logger) {
	var unsubAuth func()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) (err error) {
			if err := hub.Start(context.Background()); err != nil {
				return err
			}
			defer func() {
				if err != nil {
					hub.Stop()
				}
			}()

			if uid := s.Get().User; uid != "" {
				if _, err := be.Restore(ctx, uid); err != nil {
					if !errors.Is(err, backend.ErrNotFound) {
						return err
					}
					logger.Warn("saved user no longer exists", zap.String("user_id", uid))
					if err := s.SetUser(""); err != nil {
						logger.Warn("failed to clear saved user", zap.Error(err))
					}
				}
			}

			unsubAuth = be.OnAuthChange(func(evt backend.AuthEvent) {
				uid := ""
				if evt.Type == backend.SignedIn && evt.Identity != nil {
					uid = evt.Identity.UserID
				}
				if err := s.SetUser(uid); err != nil {
					logger.Error("failed to save signed-in user", zap.Error(err))
				}
			})

			if err := st.Init(ctx); err != nil {
				return err
			}

			sender.Start(context.Background())
			logger.Info("profile started", zap.String("user_id", st.UserID()))
			return nil
		},
		OnStop: func(_ context.Context) error {
			sender.Stop()
			coord.Close()
			dir.Close()
			st.Close()
			if unsubAuth != nil {
				unsubAuth()
			}
			hub.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("profile stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
