// Package api serves the auth HTTP surface: credential login, refresh
// rotation, session management, admin session control and the OAuth
// endpoints used by the BFF.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"avancira/cmd/identity"
	"avancira/cmd/internal/apperr"
	"avancira/cmd/internal/auth/authz"
	"avancira/cmd/internal/auth/clientinfo"
	"avancira/cmd/internal/auth/session"
	"avancira/cmd/internal/auth/sessioncache"

	"github.com/go-chi/chi/v5"
)

// Identity is the user directory used by the API. *identity.Service satisfies it.
type Identity interface {
	Register(ctx context.Context, now time.Time, in identity.RegisterInput) (identity.User, error)
	Authenticate(ctx context.Context, now time.Time, email, password string) (identity.User, error)
	User(ctx context.Context, userID string) (identity.User, error)
	Preference(ctx context.Context, userID string) (identity.UserPreference, error)
	SwitchProfile(ctx context.Context, now time.Time, userID string, p identity.Profile) (identity.UserPreference, error)
}

// Deps are the collaborators of a Handler. Sessions, Identity, Policy and Codes are required.
type Deps struct {
	Sessions *session.Service
	Identity Identity
	Policy   *authz.Policy
	// Codes holds one-time authorization codes.
	Codes *sessioncache.TokenStore
	// Audit is optional; without it audit events are only logged.
	Audit  AuditLog
	Logger *slog.Logger
	Now    func() time.Time
}

// Handler wires HTTP auth endpoints to identity/session services.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
	resolver clientinfo.Resolver

	sessions *session.Service
	identity Identity
	policy   *authz.Policy
	codes    *sessioncache.TokenStore
	auditLog AuditLog
}

// NewHandler constructs an auth Handler.
func NewHandler(cfg Config, d Deps) (*Handler, error) {
	if d.Sessions == nil || d.Identity == nil || d.Policy == nil || d.Codes == nil {
		return nil, errors.New("auth api: sessions, identity, policy and codes are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		log:      d.Logger,
		cfg:      cfg,
		now:      d.Now,
		resolver: clientinfo.Resolver{TrustProxy: cfg.TrustProxy},
		sessions: d.Sessions,
		identity: d.Identity,
		policy:   d.Policy,
		codes:    d.Codes,
		auditLog: d.Audit,
	}, nil
}

// Register wires auth routes onto r.
func (h *Handler) Register(r chi.Router) {
	loginLimit := h.rateLimit("login", h.cfg.LoginPerMinute)
	refreshLimit := h.rateLimit("refresh", h.cfg.RefreshPerMinute)
	tokenLimit := h.rateLimit("token", h.cfg.TokenPerMinute)

	r.Route("/auth", func(r chi.Router) {
		r.With(loginLimit).Post("/register", h.handleRegister)
		r.With(loginLimit).Post("/login", h.handleLogin)
		r.With(refreshLimit).Post("/refresh", h.handleRefresh)
		r.Post("/revoke", h.handleRevoke)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/logout", h.handleLogout)
			r.With(h.policy.Require(authz.ViewOwnProfile)).Get("/me", h.handleMe)
			r.With(h.policy.Require(authz.UpdateOwnProfile)).Put("/me/profile", h.handleSwitchProfile)
			r.With(h.policy.Require(authz.ViewSessions)).Get("/sessions", h.handleListSessions)
			r.With(h.policy.Require(authz.RevokeSessions)).Delete("/sessions/{sessionID}", h.handleRevokeSession)
			r.With(h.policy.Require(authz.RevokeSessions)).Post("/sessions/revoke-all", h.handleRevokeAll)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.With(h.policy.Require(authz.ViewUsers)).Get("/users/{userID}/sessions", h.handleAdminListSessions)
		r.With(h.policy.Require(authz.RevokeAnySession)).Post("/sessions/{sessionID}/revoke", h.handleAdminRevoke)
		r.With(h.policy.Require(authz.RevokeAnySession)).Post("/users/{userID}/sessions/revoke-all", h.handleAdminRevokeAll)
	})

	r.Route("/connect", func(r chi.Router) {
		r.Get("/authorize", h.handleAuthorize)
		r.With(loginLimit).Post("/authorize", h.handleAuthorizeLogin)
		r.With(tokenLimit).Post("/token", h.handleToken)
	})
}

// RequireAuth validates the bearer access token against the session service
// and stores the claims on the request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := BearerToken(r)
		if raw == "" {
			apperr.Write(w, apperr.Unauthorized("missing access token"))
			return
		}
		claims, err := h.sessions.ValidateAccessToken(r.Context(), raw, h.now())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(authz.WithClaims(r.Context(), claims)))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

type requestMeta struct {
	ip   net.IP
	ua   string
	info clientinfo.Info
}

func (h *Handler) meta(r *http.Request, platform string) requestMeta {
	info := h.resolver.FromRequest(r, platform)
	return requestMeta{ip: info.IP, ua: info.UserAgent, info: info}
}

func claimsOf(r *http.Request) session.AccessClaims {
	c, _ := authz.ClaimsFrom(r.Context())
	return c
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		apperr.Write(w, apperr.BadRequest("invalid request body"))
		return
	}

	ctx := r.Context()
	now := h.now()
	meta := h.meta(r, req.Platform)

	u, err := h.identity.Register(ctx, now, identity.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	pair, err := h.sessions.IssueForUser(ctx, now, u.ID, req.RememberMe, meta.info)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.auditUser(ctx, actionRegister, meta, u.ID, pair.SessionID, nil)

	writeJSON(w, http.StatusCreated, loginResponse{User: toUserResponse(u), Session: toTokenResponse(pair)})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		apperr.Write(w, apperr.BadRequest("invalid request body"))
		return
	}
	email := identity.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		apperr.Write(w, apperr.BadRequest("email and password are required"))
		return
	}

	ctx := r.Context()
	now := h.now()
	meta := h.meta(r, req.Platform)

	if !h.allowLogin(ctx, w, meta, email, now) {
		return
	}

	pair, err := h.sessions.GenerateToken(ctx, now, email, req.Password, req.RememberMe, meta.info)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			h.auditLoginFailed(ctx, meta, email, "invalid_credentials")
		}
		h.writeError(w, r, err)
		return
	}

	u, err := h.identity.User(ctx, pair.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.auditLoginSuccess(ctx, meta, u.ID, pair.SessionID, email)

	writeJSON(w, http.StatusOK, loginResponse{User: toUserResponse(u), Session: toTokenResponse(pair)})
}

// allowLogin applies lockout and writes the rejection when the identifier is locked.
func (h *Handler) allowLogin(ctx context.Context, w http.ResponseWriter, meta requestMeta, identifier string, now time.Time) bool {
	blocked, retryAfter, err := h.checkLockout(ctx, identifier, now)
	if err != nil {
		h.log.Error("auth.login.lockout_check.fail", "err", err)
		apperr.Write(w, apperr.New(http.StatusServiceUnavailable, "server_busy", "please retry later"))
		return false
	}
	if blocked {
		h.auditLoginRateLimited(ctx, meta, identifier, retryAfter)
		writeRateLimited(w, retryAfter)
		return false
	}
	return true
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		apperr.Write(w, apperr.BadRequest("invalid request body"))
		return
	}
	refreshToken := strings.TrimSpace(req.RefreshToken)
	if refreshToken == "" {
		apperr.Write(w, apperr.BadRequest("refresh_token is required"))
		return
	}

	ctx := r.Context()
	meta := h.meta(r, req.Platform)

	pair, err := h.sessions.Refresh(ctx, h.now(), refreshToken, meta.info)
	if err != nil {
		if errors.Is(err, session.ErrRefreshReuseDetected) {
			h.auditUser(ctx, actionRefreshReuse, meta, "", "", nil)
		}
		h.writeError(w, r, err)
		return
	}
	h.auditUser(ctx, actionRefreshSuccess, meta, pair.UserID, pair.SessionID, nil)

	writeJSON(w, http.StatusOK, refreshResponse{Session: toTokenResponse(pair)})
}

// handleRevoke ends the session owning a refresh token. Unknown tokens still
// get 204 so the endpoint cannot be used to probe tokens.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		apperr.Write(w, apperr.BadRequest("invalid request body"))
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		apperr.Write(w, apperr.BadRequest("refresh_token is required"))
		return
	}
	if err := h.sessions.RevokeByRefreshToken(r.Context(), h.now(), strings.TrimSpace(req.RefreshToken)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	ctx := r.Context()
	if err := h.sessions.RevokeSession(ctx, h.now(), claims.SessionID, session.ReasonLogout); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.auditUser(ctx, actionLogout, h.meta(r, ""), claims.UserID, claims.SessionID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	ctx := r.Context()

	u, err := h.identity.User(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			apperr.Write(w, apperr.Unauthorized("user not found"))
			return
		}
		h.writeError(w, r, err)
		return
	}
	pref, err := h.identity.Preference(ctx, claims.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		User:          toUserResponse(u),
		SessionID:     claims.SessionID,
		ActiveProfile: string(pref.ActiveProfile),
		Permissions:   h.policy.PermissionsFor(claims.Roles),
	})
}

func (h *Handler) handleSwitchProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		apperr.Write(w, apperr.BadRequest("invalid request body"))
		return
	}
	p, ok := identity.ParseProfile(req.Profile)
	if !ok {
		apperr.Write(w, apperr.BadRequest("unknown profile", "profile must be one of student, tutor, admin"))
		return
	}

	claims := claimsOf(r)
	pref, err := h.identity.SwitchProfile(r.Context(), h.now(), claims.UserID, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{ActiveProfile: string(pref.ActiveProfile), UpdatedAt: pref.UpdatedAt})
}
