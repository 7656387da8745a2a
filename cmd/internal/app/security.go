package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"avancira/cmd/internal/auth/session"
	"avancira/cmd/security/token"
)

// ValidateSecurityConfig refuses to start with settings that weaken the
// session boundary.
func ValidateSecurityConfig(cfg Config, sess session.Config) error {
	if cfg.CORSAllowCredentials {
		for _, o := range cfg.CORSAllowedOrigins {
			if o == "*" {
				return errors.New("security policy: cors.allowcredentials=true cannot be combined with origin \"*\"")
			}
		}
	}

	if !sess.RequirePepper {
		return nil
	}
	if _, err := token.NewHasher(sess.RefreshPepper, true); err != nil {
		switch {
		case errors.Is(err, token.ErrPepperMissing):
			return errors.New("security policy: AVANCIRA_AUTH_REQUIREPEPPER=true but AVANCIRA_AUTH_REFRESHPEPPER is missing")
		case errors.Is(err, token.ErrPepperTooShort):
			return fmt.Errorf("security policy: AVANCIRA_AUTH_REFRESHPEPPER is too short (min %d bytes)", token.MinPepperBytes)
		default:
			return err
		}
	}
	return nil
}

// WithSecurityHeaders sets the response headers every endpoint carries.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

const (
	corsAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsAllowHeaders = "Authorization, Content-Type, X-CSRF-Token, X-Requested-With, X-Platform"
)

// WithCORS answers preflights and stamps CORS headers for allowed origins.
// Requests from any other origin are rejected with 403. Patterns may use
// path.Match wildcards, e.g. "http://127.0.0.1:*".
func WithCORS(next http.Handler, cfg Config, log *slog.Logger) http.Handler {
	origins := cfg.CORSAllowedOrigins
	maxAge := ""
	if cfg.CORSMaxAgeSeconds > 0 {
		maxAge = strconv.Itoa(cfg.CORSMaxAgeSeconds)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		// Websocket handshakes are checked by the realtime gateway's own origin policy.
		if origin == "" || strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")
		if !originAllowed(origin, origins) {
			log.Warn("cors.origin.denied", "origin", origin, "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		h.Set("Access-Control-Allow-Origin", origin)
		if cfg.CORSAllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			} else {
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			}
			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		h.Set("Access-Control-Expose-Headers", "WWW-Authenticate, Retry-After")
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, patterns []string) bool {
	origin = strings.TrimRight(origin, "/")
	for _, p := range patterns {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		switch {
		case p == "":
			continue
		case p == "*" || strings.EqualFold(p, origin):
			return true
		case strings.Contains(p, "*"):
			if ok, err := path.Match(p, origin); err == nil && ok {
				return true
			}
		}
	}
	return false
}
