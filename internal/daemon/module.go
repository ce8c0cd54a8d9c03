package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/5-re-5/smore-front-sub000/internal/archive"
	"github.com/5-re-5/smore-front-sub000/internal/bus"
	"github.com/5-re-5/smore-front-sub000/internal/config"
	"github.com/5-re-5/smore-front-sub000/internal/history"
	"github.com/5-re-5/smore-front-sub000/internal/lock"
	"github.com/5-re-5/smore-front-sub000/internal/logging"
	"github.com/5-re-5/smore-front-sub000/internal/paths"
	"github.com/5-re-5/smore-front-sub000/internal/room"
	"github.com/5-re-5/smore-front-sub000/internal/router"
	"github.com/5-re-5/smore-front-sub000/internal/status"
	intsync "github.com/5-re-5/smore-front-sub000/internal/sync"
	"github.com/5-re-5/smore-front-sub000/internal/timeline"
	"github.com/5-re-5/smore-front-sub000/internal/transport"
)

// Params holds the resolved room identity passed to the fx module.
type Params struct {
	RoomID      string
	SelfID      string
	DisplayName string
	AvatarRef   string
	Token       string

	// Optional endpoint overrides; empty = use config file values.
	HTTPURL string
	WSURL   string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideArchive,
			provideRecorder,
			provideStore,
			provideRegistry,
			provideHistoryClient,
			provideConn,
			provideReconciler,
			provideSession,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(paths.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// First run: persist defaults so they can be edited.
		if err := config.Save(paths.ConfigPath(), cfg); err != nil {
			return nil, err
		}
	}
	if p.HTTPURL != "" {
		cfg.Server.HTTPURL = p.HTTPURL
	}
	if p.WSURL != "" {
		cfg.Server.WSURL = p.WSURL
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(paths.LogPath(p.RoomID), p.RoomID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.EnsureDir(p.RoomID); err != nil {
		return nil, err
	}
	logger.Info("acquiring room lock", zap.String("room", p.RoomID))
	l, err := lock.Acquire(paths.RoomDir(p.RoomID))
	if err != nil {
		return nil, err
	}
	logger.Info("room lock acquired")
	return l, nil
}

func provideArchive(p Params, logger *zap.Logger) (*archive.DB, error) {
	dbPath := paths.ArchivePath(p.RoomID)
	db, err := archive.Open(dbPath)
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
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRecorder(db *archive.DB, b *bus.Bus, logger *zap.Logger) *archive.Recorder {
	return archive.NewRecorder(db, b, logger)
}

func provideStore(p Params, b *bus.Bus) *timeline.Store {
	return timeline.NewStore(p.RoomID, b)
}

func provideRegistry(logger *zap.Logger) *router.Registry {
	return router.NewRegistry(logger)
}

func provideHistoryClient(p Params, cfg *config.Config, logger *zap.Logger) (*history.Client, error) {
	return history.New(cfg.Server.HTTPURL, p.Token, logger)
}

func provideConn(p Params, cfg *config.Config, registry *router.Registry, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Conn {
	opts := transport.Options{
		URL:              cfg.Server.WSURL,
		Token:            p.Token,
		Heartbeat:        time.Duration(cfg.Transport.HeartbeatMS) * time.Millisecond,
		HandshakeTimeout: time.Duration(cfg.Transport.HandshakeTimeoutMS) * time.Millisecond,
		SilenceMultiple:  cfg.Transport.SilenceMultiple,
		MaxAttempts:      cfg.Transport.MaxAttempts,
		BackoffBase:      time.Duration(cfg.Transport.BackoffBaseMS) * time.Millisecond,
		BackoffCap:       time.Duration(cfg.Transport.BackoffCapMS) * time.Millisecond,
	}
	dialer := transport.NewWSDialer(opts.HandshakeTimeout, nil)
	return transport.New(opts, dialer, registry, machine, b, logger)
}

func provideReconciler(store *timeline.Store, client *history.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(store, client, b, cfg.Room.PageSize, logger)
}

func provideSession(p Params, cfg *config.Config, store *timeline.Store, registry *router.Registry, conn *transport.Conn, client *history.Client, logger *zap.Logger) *room.Session {
	return room.New(room.Config{
		RoomID:      p.RoomID,
		SelfID:      p.SelfID,
		DisplayName: p.DisplayName,
		AvatarRef:   p.AvatarRef,
		PageSize:    cfg.Room.PageSize,
	}, store, registry, conn, client, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, conn *transport.Conn, sess *room.Session, reconciler *intsync.Reconciler, recorder *archive.Recorder, db *archive.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Recorder and reconciler subscribe to the bus before any
			// traffic can flow.
			recorder.Start(context.Background())
			reconciler.Start(context.Background())

			go func() {
				if err := conn.Connect(context.Background()); err != nil {
					// Reconnect policy already took over; the timeline
					// still renders from history below.
					logger.Warn("initial connect failed", zap.Error(err))
				}
				if err := sess.LoadInitial(context.Background()); err != nil {
					logger.Error("initial history load failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			sess.Close()
			reconciler.Stop()
			recorder.Stop()
			if err := conn.Close(); err != nil {
				logger.Warn("error closing connection", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
