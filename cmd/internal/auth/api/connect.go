package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"avancira/cmd/identity"
	"avancira/cmd/internal/apperr"
	"avancira/cmd/internal/auth/session"
)

// OAuth error codes from RFC 6749 section 5.2.
const (
	oauthInvalidRequest       = "invalid_request"
	oauthInvalidClient        = "invalid_client"
	oauthInvalidGrant         = "invalid_grant"
	oauthUnsupportedGrantType = "unsupported_grant_type"
	oauthUnsupportedResponse  = "unsupported_response_type"
)

// authorizeParams are the query parameters of an authorization request.
type authorizeParams struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	State               string `json:"state"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// authorizeLogin is the body the SPA login page posts back to /connect/authorize.
type authorizeLogin struct {
	authorizeParams
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// authCode is what a one-time authorization code stands for.
type authCode struct {
	UserID        string    `json:"uid"`
	ClientID      string    `json:"cid"`
	RedirectURI   string    `json:"ru"`
	CodeChallenge string    `json:"cc"`
	Scope         string    `json:"scope,omitempty"`
	RememberMe    bool      `json:"rm"`
	IssuedAt      time.Time `json:"iat"`
}

func authorizeParamsFrom(q url.Values) authorizeParams {
	return authorizeParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}

func (p authorizeParams) validate(cfg Config) error {
	switch {
	case p.ClientID != cfg.ClientID:
		return apperr.BadRequest("unknown client_id")
	case !cfg.redirectAllowed(p.RedirectURI):
		return apperr.BadRequest("redirect_uri is not registered")
	case p.CodeChallenge == "":
		return apperr.BadRequest("code_challenge is required")
	case p.CodeChallengeMethod != pkceMethodS256:
		return apperr.BadRequest("code_challenge_method must be S256")
	default:
		return nil
	}
}

// handleAuthorize validates an authorization request and sends the browser to
// the SPA login page with the request preserved.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		apperr.Write(w, apperr.BadRequest(oauthUnsupportedResponse))
		return
	}
	if err := authorizeParamsFrom(q).validate(h.cfg); err != nil {
		apperr.Write(w, err)
		return
	}

	target, err := url.Parse(h.cfg.LoginPageURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tq := target.Query()
	for k, vs := range q {
		for _, v := range vs {
			tq.Add(k, v)
		}
	}
	target.RawQuery = tq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleAuthorizeLogin checks credentials and issues a one-time code.
// JSON callers get {"redirect_to": ...}; form posts are redirected with 303.
func (h *Handler) handleAuthorizeLogin(w http.ResponseWriter, r *http.Request) {
	var req authorizeLogin
	isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
	if isJSON {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			apperr.Write(w, apperr.BadRequest("invalid request body"))
			return
		}
	} else {
		if err := parseForm(w, r, h.cfg.MaxBodyBytes); err != nil {
			apperr.Write(w, apperr.BadRequest("invalid request body"))
			return
		}
		req.authorizeParams = authorizeParamsFrom(r.PostForm)
		req.Email = r.PostForm.Get("email")
		req.Password = r.PostForm.Get("password")
		req.RememberMe = r.PostForm.Get("remember_me") == "true"
	}
	if err := req.validate(h.cfg); err != nil {
		apperr.Write(w, err)
		return
	}

	ctx := r.Context()
	now := h.now()
	meta := h.meta(r, "")
	email := identity.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		apperr.Write(w, apperr.BadRequest("email and password are required"))
		return
	}
	if !h.allowLogin(ctx, w, meta, email, now) {
		return
	}

	u, err := h.identity.Authenticate(ctx, now, email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) || identity.IsInvalidInput(err) {
			h.auditLoginFailed(ctx, meta, email, "invalid_credentials")
			h.writeError(w, r, session.ErrInvalidCredentials)
			return
		}
		h.writeError(w, r, err)
		return
	}

	code, err := h.issueCode(ctx, authCode{
		UserID:        u.ID,
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Scope:         req.Scope,
		RememberMe:    req.RememberMe,
		IssuedAt:      now,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.auditUser(ctx, actionCodeIssued, meta, u.ID, "", map[string]any{"client_id": req.ClientID})

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rq := redirect.Query()
	rq.Set("code", code)
	if req.State != "" {
		rq.Set("state", req.State)
	}
	redirect.RawQuery = rq.Encode()

	if isJSON {
		writeJSON(w, http.StatusOK, map[string]string{"redirect_to": redirect.String()})
		return
	}
	http.Redirect(w, r, redirect.String(), http.StatusSeeOther)
}

func (h *Handler) issueCode(ctx context.Context, c authCode) (string, error) {
	code, err := newOpaqueToken(32)
	if err != nil {
		return "", err
	}
	if err := h.codes.PutValue(ctx, "code:"+code, c, h.cfg.CodeTTL); err != nil {
		return "", err
	}
	return code, nil
}

// handleToken is the OAuth token endpoint.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r, h.cfg.MaxBodyBytes); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, "malformed form body")
		return
	}
	if !h.clientAuthenticated(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="avancira"`)
		writeOAuthError(w, http.StatusUnauthorized, oauthInvalidClient, "client authentication failed")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		h.grantAuthorizationCode(w, r)
	case "refresh_token":
		h.grantRefreshToken(w, r)
	case "password":
		if !h.cfg.PasswordGrant {
			writeOAuthError(w, http.StatusBadRequest, oauthUnsupportedGrantType, "")
			return
		}
		h.grantPassword(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, oauthUnsupportedGrantType, "")
	}
}

// clientAuthenticated accepts client credentials via HTTP Basic or form fields.
// Public clients (no configured secret) only need a matching client_id.
func (h *Handler) clientAuthenticated(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if id != h.cfg.ClientID {
		return false
	}
	if h.cfg.ClientSecret == "" {
		return true
	}
	return secureStringEqual(secret, h.cfg.ClientSecret)
}

func (h *Handler) grantAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	if code == "" || verifier == "" {
		writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, "code and code_verifier are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	var c authCode
	found, err := h.codes.TakeValue(ctx, "code:"+code, &c)
	if err != nil {
		h.log.Error("connect.code.take.fail", "err", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	switch {
	case !found:
		writeOAuthError(w, http.StatusBadRequest, oauthInvalidGrant, "authorization code is invalid or expired")
		return
	case c.ClientID != h.cfg.ClientID || c.RedirectURI != r.PostForm.Get("redirect_uri"):
		writeOAuthError(w, http.StatusBadRequest, oauthInvalidGrant, "redirect_uri mismatch")
		return
	case !verifyPKCE(verifier, c.CodeChallenge):
		writeOAuthError(w, http.StatusBadRequest, oauthInvalidGrant, "code_verifier does not match")
		return
	case now.Sub(c.IssuedAt) > h.cfg.CodeTTL:
		writeOAuthError(w, http.StatusBadRequest, oauthInvalidGrant, "authorization code is invalid or expired")
		return
	}

	meta := h.meta(r, "")
	pair, err := h.sessions.IssueForUser(ctx, now, c.UserID, c.RememberMe, meta.info)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}
	h.auditUser(ctx, actionCodeRedeemed, meta, c.UserID, pair.SessionID, map[string]any{"client_id": c.ClientID})
	writeTokenResponse(w, now, pair, c.Scope)
}

func (h *Handler) grantRefreshToken(w http.ResponseWriter, r *http.Request) {
	plain := strings.TrimSpace(r.PostForm.Get("refresh_token"))
	if plain == "" {
		writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, "refresh_token is required")
		return
	}
	ctx := r.Context()
	now := h.now()
	meta := h.meta(r, "")
	pair, err := h.sessions.Refresh(ctx, now, plain, meta.info)
	if err != nil {
		if errors.Is(err, session.ErrRefreshReuseDetected) {
			h.auditUser(ctx, actionRefreshReuse, meta, "", "", nil)
		}
		h.writeTokenError(w, err)
		return
	}
	h.auditUser(ctx, actionRefreshSuccess, meta, pair.UserID, pair.SessionID, nil)
	writeTokenResponse(w, now, pair, r.PostForm.Get("scope"))
}

func (h *Handler) grantPassword(w http.ResponseWriter, r *http.Request) {
	email := identity.NormalizeEmail(r.PostForm.Get("username"))
	password := r.PostForm.Get("password")
	if email == "" || password == "" {
		writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, "username and password are required")
		return
	}
	ctx := r.Context()
	now := h.now()
	meta := h.meta(r, "")
	if !h.allowLogin(ctx, w, meta, email, now) {
		return
	}
	pair, err := h.sessions.GenerateToken(ctx, now, email, password, r.PostForm.Get("remember_me") == "true", meta.info)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			h.auditLoginFailed(ctx, meta, email, "invalid_credentials")
		}
		h.writeTokenError(w, err)
		return
	}
	h.auditLoginSuccess(ctx, meta, pair.UserID, pair.SessionID, email)
	writeTokenResponse(w, now, pair, r.PostForm.Get("scope"))
}

func (h *Handler) writeTokenError(w http.ResponseWriter, err error) {
	if session.IsUnauthorized(err) {
		writeOAuthError(w, http.StatusBadRequest, oauthInvalidGrant, toAppError(err).Message)
		return
	}
	h.log.Error("connect.token.fail", "err", err)
	writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
}

func writeTokenResponse(w http.ResponseWriter, now time.Time, p session.TokenPair, scope string) {
	writeJSON(w, http.StatusOK, oauthTokenResponse{
		AccessToken:  p.AccessToken,
		TokenType:    p.TokenType,
		ExpiresIn:    int64(p.AccessExpiresAt.Sub(now).Seconds()),
		RefreshToken: p.RefreshToken,
		SessionID:    p.SessionID,
		Scope:        scope,
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, oauthError{Error: code, ErrorDescription: desc})
}
