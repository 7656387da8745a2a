// Package bff is the cookie gateway between the browser SPA and the API.
//
// The browser only ever holds an opaque HttpOnly cookie. Access and refresh
// tokens obtained through the authorization-code + PKCE flow stay in the
// server-side token store and are attached to proxied /api calls as a bearer
// header.
package bff

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"avancira/cmd/internal/apperr"
	"avancira/cmd/internal/auth/sessioncache"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Recorder counts upstream outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	Upstream(class string)
}

// Deps are the gateway collaborators. Tokens is required.
type Deps struct {
	Tokens *sessioncache.TokenStore
	// Transport is the base round tripper for the authority and the API; it is
	// wrapped with otelhttp.
	Transport http.RoundTripper
	Metrics   Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Gateway serves /bff/* and proxies /api/*.
type Gateway struct {
	cfg      Config
	oauth    *oauth2.Config
	tokens   *sessioncache.TokenStore
	client   *http.Client
	upstream *url.URL
	proxy    *httputil.ReverseProxy
	metrics  Recorder
	// refreshes collapses concurrent refreshes of one browser session.
	refreshes singleflight.Group
	log       *slog.Logger
	now       func() time.Time
}

// pending is the server-side half of an in-flight login.
type pending struct {
	State     string `json:"state"`
	Verifier  string `json:"verifier"`
	ReturnURL string `json:"return_url"`
}

// New builds a Gateway.
func New(cfg Config, d Deps) (*Gateway, error) {
	if d.Tokens == nil {
		return nil, errors.New("bff: token store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	upstream, err := url.Parse(cfg.APIUpstream)
	if err != nil {
		return nil, err
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	base := d.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	transport := otelhttp.NewTransport(base)

	g := &Gateway{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.Authority + "/connect/authorize",
				TokenURL:  cfg.Authority + "/connect/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		tokens:   d.Tokens,
		client:   &http.Client{Transport: transport, Timeout: 15 * time.Second},
		upstream: upstream,
		metrics:  d.Metrics,
		log:      d.Logger,
		now:      d.Now,
	}
	g.proxy = &httputil.ReverseProxy{
		Rewrite:        g.rewrite,
		Transport:      transport,
		ModifyResponse: g.modifyResponse,
		ErrorHandler:   g.proxyError,
	}
	return g, nil
}

// Register mounts the gateway routes on r.
func (g *Gateway) Register(r chi.Router) {
	r.Get("/bff/login", g.handleLogin)
	r.Get("/bff/callback", g.handleCallback)
	r.With(requireCSRF).Post("/bff/logout", g.handleLogout)
	r.Get("/bff/user", g.handleUser)
	r.With(requireCSRF).Handle("/api/*", http.HandlerFunc(g.handleProxy))
}

// oauthContext routes x/oauth2 traffic through the instrumented client.
func (g *Gateway) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.client)
}

// loginURL is what the SPA should navigate to when reauthentication is needed.
func (g *Gateway) loginURL(returnURL string) string {
	u := "/bff/login"
	if returnURL != "" {
		u += "?returnUrl=" + url.QueryEscape(returnURL)
	}
	return u
}

// requireCSRF demands X-CSRF: 1 on state-changing requests. Browsers cannot
// add custom headers cross-site without a CORS preflight.
func requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			if r.Header.Get("X-CSRF") != "1" {
				apperr.Write(w, apperr.New(http.StatusForbidden, "csrf_required", "missing X-CSRF header"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) record(class string) {
	if g.metrics != nil {
		g.metrics.Upstream(class)
	}
}
