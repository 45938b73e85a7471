package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/access"
	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/call"
	"github.com/matheus3301/rtchat/internal/config"
	"github.com/matheus3301/rtchat/internal/hosted"
	"github.com/matheus3301/rtchat/internal/lock"
	"github.com/matheus3301/rtchat/internal/logging"
	"github.com/matheus3301/rtchat/internal/messaging"
	"github.com/matheus3301/rtchat/internal/metrics"
	"github.com/matheus3301/rtchat/internal/presence"
	"github.com/matheus3301/rtchat/internal/realtime"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/responder"
	"github.com/matheus3301/rtchat/internal/session"
	"github.com/matheus3301/rtchat/internal/state"
	"github.com/matheus3301/rtchat/internal/status"
	"github.com/matheus3301/rtchat/internal/store"
	"github.com/matheus3301/rtchat/internal/stories"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// mediaBackend is a media source that also knows its codecs.
type mediaBackend interface {
	call.MediaSource
	call.CodecConfigurer
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
			provideMetrics,
			provideLock,
			provideStore,
			provideRelay,
			provideHosted,
			provideState,
			provideGate,
			provideResponder,
			provideMessaging,
			provideMedia,
			provideCalls,
			provideStories,
			providePresence,
			provideSession,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (config.Session, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return config.Session{}, err
	}
	cfg, err := config.LoadSession(session.Dir(p.SessionName))
	if err != nil {
		return config.Session{}, err
	}
	if cfg.User.Username == "" {
		return config.Session{}, fmt.Errorf("session %q: user.username is not set in %s", p.SessionName, session.Dir(p.SessionName))
	}
	return cfg, nil
}

func provideLogger(p Params, cfg config.Session) (*zap.Logger, error) {
	level := cfg.Log.Level
	if level == "" {
		global, err := config.Load(session.ConfigPath())
		if err != nil {
			return nil, err
		}
		level = global.LogLevel
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, level)
}

func provideBus(m *metrics.Metrics) *bus.Bus {
	b := bus.New()
	b.OnDrop(func(bus.Event) { m.BusDrop() })
	return b
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics(p Params) *metrics.Metrics {
	return metrics.New(p.SessionName)
}

func provideLock(p Params, cfg config.Session, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), cfg.User.Username)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore opens the shared database. It depends on the lock so two
// daemons of one session never migrate concurrently.
func provideStore(p Params, cfg config.Session, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = session.DBPath(p.SessionName)
	}
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRelay(cfg config.Session, logger *zap.Logger) (relay.Client, error) {
	rc := cfg.Relay
	logger = logger.Named("relay")
	switch rc.Driver {
	case config.RelayMemory:
		logger.Info("using in-process relay")
		return relay.NewMemory(), nil
	case config.RelayRedis:
		return relay.NewRedis(context.Background(), relay.RedisOptions{
			Addr:     rc.RedisAddr,
			Password: rc.RedisPassword,
			DB:       rc.RedisDB,
			Prefix:   "rtchat:",
		}, logger)
	case config.RelayWebSocket:
		return relay.DialWebSocket(context.Background(), rc.URL, rc.MaxFrame.Int64(), logger)
	default:
		return nil, fmt.Errorf("unknown relay driver %q", rc.Driver)
	}
}

func provideHosted(cfg config.Session, db *store.DB, rc relay.Client, logger *zap.Logger) (*hosted.Service, error) {
	return hosted.New(db, rc, cfg.Store.MachineID, logger.Named("hosted"))
}

// provideState logs the configured user in, creating the profile on first
// run, and makes sure the bot profile exists.
func provideState(cfg config.Session, svc *hosted.Service, logger *zap.Logger) (*state.State, error) {
	ctx := context.Background()
	self, err := svc.EnsureUser(ctx, cfg.User.Username, cfg.User.Avatar, false)
	if err != nil {
		return nil, fmt.Errorf("log in %q: %w", cfg.User.Username, err)
	}
	if self.IsBot {
		return nil, errors.New("cannot log in as the bot user")
	}
	if name := cfg.Responder.BotName; name != "" && name != self.Username {
		if _, err := svc.EnsureUser(ctx, name, "", true); err != nil {
			logger.Warn("bot profile unavailable", zap.String("bot", name), zap.Error(err))
		}
	}
	logger.Info("logged in", zap.String("user_id", self.ID), zap.String("username", self.Username))
	return state.New(self), nil
}

func provideGate(svc *hosted.Service, logger *zap.Logger) *access.Gate {
	return access.New(svc, logger.Named("access"))
}

func provideResponder(cfg config.Session, logger *zap.Logger) messaging.Responder {
	return responder.NewHTTP(responder.Options{
		Endpoint: cfg.Responder.Endpoint,
		APIKey:   cfg.Responder.APIKey,
		Timeout:  cfg.Responder.Timeout.Std(),
	}, logger.Named("responder"))
}

func provideMessaging(cfg config.Session, st *state.State, svc *hosted.Service, gate *access.Gate, rc relay.Client, r messaging.Responder, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *messaging.Engine {
	return messaging.New(st, svc, gate, rc, r, b, m, messaging.Options{
		ThinkDelay:     cfg.Responder.ThinkDelay.Std(),
		TypingInterval: cfg.Messaging.TypingInterval.Std(),
	}, logger.Named("messaging"))
}

func provideMedia(cfg config.Session) (mediaBackend, error) {
	if cfg.Call.Media != config.MediaCapture {
		return call.SyntheticSource{}, nil
	}
	src, err := call.NewCaptureSource()
	if err != nil {
		return nil, err
	}
	return src, nil
}

func provideCalls(cfg config.Session, st *state.State, rc relay.Client, gate *access.Gate, media mediaBackend, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) (*call.Engine, error) {
	peers, err := call.NewPionFactory(cfg.Call.STUNServers, media)
	if err != nil {
		return nil, err
	}
	return call.New(st, rc, gate, peers, media, b, m, logger.Named("call")), nil
}

func provideStories(st *state.State, svc *hosted.Service, gate *access.Gate, b *bus.Bus, logger *zap.Logger) *stories.Feed {
	return stories.New(st, svc, gate, b, logger.Named("stories"))
}

func providePresence(cfg config.Session, st *state.State, svc *hosted.Service, logger *zap.Logger) *presence.Tracker {
	return presence.New(svc, st.Self().ID, cfg.Presence.Interval.Std(), logger.Named("presence"))
}

func provideSession(st *state.State, rc relay.Client, me *messaging.Engine, ce *call.Engine, feed *stories.Feed, pt *presence.Tracker, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *realtime.Session {
	return realtime.New(realtime.Deps{
		State:     st,
		Relay:     rc,
		Messaging: me,
		Calls:     ce,
		Stories:   feed,
		Presence:  pt,
		Status:    machine,
		Bus:       b,
		Metrics:   m,
		Logger:    logger.Named("realtime"),
	})
}

func provideService(p Params, rs *realtime.Session, gate *access.Gate, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, rs, gate, b, logger.Named("api"))
}

type lifecycleDeps struct {
	fx.In

	Config  config.Session
	Server  *Server
	Lock    *lock.Lock
	Store   *store.DB
	Relay   relay.Client
	Session *realtime.Session
	Machine *status.Machine
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var metricsSrv *metrics.Server
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := d.Session.Start(ctx); err != nil {
				_ = d.Machine.Transition(status.Error)
				return err
			}

			if addr := d.Config.Metrics.Listen; addr != "" {
				srv, err := metrics.Listen(addr, d.Metrics, d.Logger)
				if err != nil {
					return fmt.Errorf("metrics listen: %w", err)
				}
				metricsSrv = srv
				go srv.Serve()
				d.Logger.Info("metrics listening", zap.String("addr", srv.Addr()))
			}

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			d.Session.Close(ctx)
			if err := d.Relay.Close(); err != nil {
				d.Logger.Warn("error closing relay", zap.Error(err))
			}
			if err := d.Store.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
