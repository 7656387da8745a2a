package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"avancira/cmd/internal/db"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler builds the auth server router with the shared middleware stack.
func (a *App) Handler() http.Handler {
	cfg := a.core.Config
	r := chi.NewRouter()
	if a.trustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", a.core.Metrics.Handler())

	a.auth.Register(r)
	a.gateway.Register(r)

	return wrapCommon(r, cfg, a.core.Log, "avancira.api")
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	cfg := a.core.Config
	if cfg.ReadinessRequireDB && a.core.Pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.core.Pool != nil {
		if err := db.Ping(r.Context(), a.core.Pool, 2*time.Second); err != nil {
			a.core.Log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.core.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.core.Redis.Ping(ctx).Err(); err != nil {
			a.core.Log.Info("readyz.redis.not_ready", "err", err)
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// wrapCommon applies the outer middleware shared by both servers. Tracing is
// outermost so request logs run inside the server span.
func wrapCommon(h http.Handler, cfg Config, log *slog.Logger, operation string) http.Handler {
	h = WithCORS(h, cfg, log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, log)
	return otelhttp.NewHandler(h, operation)
}

// serveHTTP runs an http.Server on cfg's listener settings until ctx ends,
// then drains it.
func serveHTTP(ctx context.Context, cfg Config, handler http.Handler, log *slog.Logger, name string) error {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(cfg.ReadTimeout, 15*time.Second),
		// Zero keeps hijacked websocket connections alive.
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    nonZeroDuration(cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes: nonZeroInt(cfg.MaxHeaderBytes, 1<<20),
	}

	log.Info(name+".start", "addr", cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info(name+".stop", "reason", "context_done")
	case err := <-errCh:
		log.Error(name+".fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(name+".shutdown.fail", "err", err)
		return err
	}
	log.Info(name + ".stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
