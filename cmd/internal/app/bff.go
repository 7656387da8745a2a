package app

import (
	"context"
	"log/slog"
	"net/http"

	"avancira/cmd/internal/auth/sessioncache"
	"avancira/cmd/internal/bff"
	"avancira/cmd/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// BFF is the cookie gateway runtime. It shares no state with the auth server
// beyond the token backend.
type BFF struct {
	cfg     Config
	bffCfg  bff.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	gateway *bff.Gateway
	close   func() error
}

// NewBFF builds the gateway. Browser token sets live in Redis when
// redisconnection is set, otherwise in process memory.
func NewBFF(ctx context.Context, v *viper.Viper, log *slog.Logger) (*BFF, error) {
	cfg := LoadConfig(v)
	bffCfg, err := bff.Load(v)
	if err != nil {
		return nil, err
	}
	cfg.HTTPAddr = bffCfg.Addr

	var (
		backend sessioncache.Backend = sessioncache.NewMemoryBackend()
		closeFn                      = func() error { return nil }
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, err
		}
		backend = sessioncache.NewRedisBackend(rdb)
		closeFn = rdb.Close
	}

	m := metrics.New()
	gw, err := bff.New(bffCfg, bff.Deps{
		Tokens:  sessioncache.NewTokenStore(backend, "bff"),
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	return &BFF{cfg: cfg, bffCfg: bffCfg, log: log, metrics: m, gateway: gw, close: closeFn}, nil
}

func (b *BFF) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", b.metrics.Handler())
	b.gateway.Register(r)

	return wrapCommon(r, b.cfg, b.log, "avancira.bff")
}

// Run serves the gateway until ctx is cancelled.
func (b *BFF) Run(ctx context.Context) error {
	defer func() { _ = b.close() }()
	b.log.Info("bff.endpoints",
		"http", runtimeBaseURL(b.cfg.HTTPAddr),
		"authority", b.bffCfg.Authority,
		"api_upstream", b.bffCfg.APIUpstream,
	)
	return serveHTTP(ctx, b.cfg, b.routes(), b.log, "bff")
}
