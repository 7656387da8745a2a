// Package app wires the Avancira runtime: config, logging, stores, the auth
// API, realtime hubs and the BFF gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"avancira/cmd/identity"
	"avancira/cmd/internal/auth/api"
	"avancira/cmd/internal/auth/authz"
	"avancira/cmd/internal/auth/session"
	"avancira/cmd/internal/auth/sessioncache"
	"avancira/cmd/internal/db"
	"avancira/cmd/internal/events"
	"avancira/cmd/internal/metrics"
	"avancira/cmd/internal/realtime"
	"avancira/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Core holds the stores and services shared by the server and the CLI
// maintenance commands.
type Core struct {
	Config   Config
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Pool     *pgxpool.Pool
	Redis    redis.UniversalClient
	Backend  sessioncache.Backend
	Cache    *sessioncache.Cache
	Bus      events.Bus
	Identity *identity.Service
	Sessions *session.Service

	closers []func() error
}

// NewCore connects the configured backends and builds the session service.
// Empty database.url, redisconnection and nats.url fall back to in-memory
// implementations.
func NewCore(ctx context.Context, v *viper.Viper, log *slog.Logger) (*Core, error) {
	cfg := LoadConfig(v)
	sessCfg, err := session.Load(v)
	if err != nil {
		return nil, err
	}
	pwCfg, err := password.Load(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg, sessCfg); err != nil {
		return nil, err
	}

	c := &Core{Config: cfg, Log: log, Metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	var (
		sessStore session.Store
		users     identity.Store
	)
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		sessStore = session.NewMemoryStore()
		users = identity.NewMemoryStore()
	} else {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		c.Pool = pool
		c.closers = append(c.closers, func() error { pool.Close(); return nil })
		log.Info("db.enabled.postgres_store")

		sessStore = session.NewPostgresStore(pool)
		if users, err = identity.NewPostgresStore(pool); err != nil {
			return nil, err
		}
	}

	if cfg.RedisURL == "" {
		log.Info("cache.redis.disabled", "backend", "memory")
		c.Backend = sessioncache.NewMemoryBackend()
	} else {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rdb := redis.NewClient(opts)
		c.closers = append(c.closers, rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		c.Redis = rdb
		c.Backend = sessioncache.NewRedisBackend(rdb)
		log.Info("cache.redis.enabled", "addr", opts.Addr)
	}
	c.Cache = sessioncache.New(c.Backend, sessioncache.Options{
		TTL:            cfg.CacheTTL,
		StaleThreshold: cfg.CacheStaleThreshold,
		Logger:         log,
		Metrics:        c.Metrics,
	})

	if cfg.NATSURL == "" {
		c.Bus = events.NewMemoryBus()
	} else {
		bus, err := events.ConnectNATS(events.NATSConfig{URL: cfg.NATSURL, Name: cfg.OTelServiceName}, log)
		if err != nil {
			return nil, err
		}
		c.Bus = bus
		log.Info("events.nats.enabled")
	}
	c.closers = append(c.closers, c.Bus.Close)

	c.Identity = identity.NewService(users, pwCfg, log)

	tokens, err := session.NewAccessTokenManager(sessCfg)
	if err != nil {
		return nil, err
	}
	c.Sessions, err = session.NewService(sessCfg, session.Deps{
		Store:   sessStore,
		Tokens:  tokens,
		Users:   c.Identity,
		Cache:   c.Cache,
		Events:  c.Bus,
		Metrics: c.Metrics,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return c, nil
}

// Close releases connections in reverse order of acquisition.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// App is the auth server runtime.
type App struct {
	core    *Core
	auth    *api.Handler
	gateway *realtime.Gateway
	unsub   func()
	// trustProxy mirrors api.trustproxy for the router's RealIP middleware.
	trustProxy bool
}

// New builds the auth server on top of core.
func New(core *Core, v *viper.Viper) (*App, error) {
	apiCfg, err := api.Load(v)
	if err != nil {
		return nil, err
	}
	policy, err := authz.NewPolicy(authz.DefaultGrants())
	if err != nil {
		return nil, err
	}

	var audit api.AuditLog = api.NewMemoryAuditLog()
	if core.Pool != nil {
		audit = api.NewPostgresAuditLog(core.Pool)
	}

	auth, err := api.NewHandler(apiCfg, api.Deps{
		Sessions: core.Sessions,
		Identity: core.Identity,
		Policy:   policy,
		Codes:    sessioncache.NewTokenStore(core.Backend, "authcode"),
		Audit:    audit,
		Logger:   core.Log,
	})
	if err != nil {
		return nil, err
	}

	rtCfg := realtime.Load(v)
	var registry realtime.ConnectionRegistry = realtime.NewMemoryRegistry()
	if core.Redis != nil {
		registry = realtime.NewRedisRegistry(core.Redis, rtCfg.RegistryTTL)
	}
	gw, err := realtime.NewGateway(rtCfg, realtime.Deps{
		Auth:     core.Sessions,
		Policy:   policy,
		Registry: registry,
		Metrics:  core.Metrics,
		Logger:   core.Log,
	})
	if err != nil {
		return nil, err
	}

	a := &App{core: core, auth: auth, gateway: gw, trustProxy: apiCfg.TrustProxy}

	// Revocations from any instance evict cached validity and live hub
	// connections here.
	a.unsub, err = core.Bus.SubscribeSessionRevoked(a.onSessionRevoked)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close detaches the app from the event bus. Run does this on return.
func (a *App) Close() { a.unsub() }

func (a *App) onSessionRevoked(ctx context.Context, ev events.SessionRevoked) {
	a.core.Cache.Invalidate(ctx, ev.SessionIDs...)
	a.gateway.OnSessionRevoked(ctx, ev)
	a.core.Log.Info("session.revoked.applied",
		"user_id", ev.UserID,
		"sessions", len(ev.SessionIDs),
		"reason", ev.Reason,
	)
}

// Run serves HTTP until ctx is cancelled, running the expiry sweeper
// alongside.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	cfg := a.core.Config
	log := a.core.Log

	if cfg.SweepOnStart {
		if n, err := a.core.Sessions.Sweep(ctx, time.Now().UTC()); err != nil {
			log.Warn("session.sweep.startup.fail", "err", err)
		} else {
			log.Info("session.sweep.startup", "expired", n)
		}
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		a.core.Sessions.RunSweeper(sweepCtx, func() time.Time { return time.Now().UTC() })
	}()
	defer func() {
		stopSweeper()
		<-sweeperDone
	}()

	base := runtimeBaseURL(cfg.HTTPAddr)
	log.Info("server.endpoints",
		"http", base,
		"notification_hub", wsBaseURL(base)+"/hubs/notification",
		"chat_hub", wsBaseURL(base)+"/hubs/chat",
		"db_enabled", a.core.Pool != nil,
		"redis_enabled", a.core.Redis != nil,
	)

	return serveHTTP(ctx, cfg, a.Handler(), log, "server")
}
