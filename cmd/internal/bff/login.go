package bff

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"avancira/cmd/internal/apperr"
	"avancira/cmd/internal/auth/sessioncache"

	"golang.org/x/oauth2"
)

// handleLogin starts the authorization-code flow.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnURL, ok := localPath(r.URL.Query().Get("returnUrl"))
	if !ok {
		apperr.Write(w, apperr.BadRequest("returnUrl must be a local path"))
		return
	}

	state, err := newOpaqueToken(24)
	if err != nil {
		apperr.Write(w, apperr.Internal(err))
		return
	}
	verifier := oauth2.GenerateVerifier()

	ctx := r.Context()
	now := g.now()
	if err := g.tokens.PutValue(ctx, "pending:"+state, pending{
		State:     state,
		Verifier:  verifier,
		ReturnURL: returnURL,
	}, g.cfg.PendingTTL); err != nil {
		g.log.Error("bff.login.pending.fail", "err", err)
		apperr.Write(w, apperr.Internal(err))
		return
	}
	g.setStateCookie(w, state, now.Add(g.cfg.PendingTTL))

	http.Redirect(w, r, g.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

// handleCallback completes the flow: exchange the code, keep the tokens
// server-side and hand the browser an opaque cookie.
func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		apperr.Write(w, apperr.New(http.StatusUnauthorized, "authorization_failed", "authorization was not granted", e))
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		apperr.Write(w, apperr.BadRequest("state and code are required"))
		return
	}
	c, err := r.Cookie(g.stateCookieName())
	if err != nil || !secureStringEqual(c.Value, state) {
		apperr.Write(w, apperr.BadRequest("login state mismatch"))
		return
	}
	http.SetCookie(w, g.expiredCookie(g.stateCookieName(), "/bff"))

	ctx := r.Context()
	var p pending
	found, err := g.tokens.TakeValue(ctx, "pending:"+state, &p)
	if err != nil {
		g.log.Error("bff.callback.pending.fail", "err", err)
		apperr.Write(w, apperr.Internal(err))
		return
	}
	if !found {
		apperr.Write(w, apperr.BadRequest("login expired, start again"))
		return
	}

	tok, err := g.oauth.Exchange(g.oauthContext(ctx), code, oauth2.VerifierOption(p.Verifier))
	if err != nil {
		g.record("exchange_error")
		g.log.Warn("bff.callback.exchange.fail", "err", err)
		apperr.Write(w, apperr.New(http.StatusUnauthorized, "authorization_failed", "code exchange failed"))
		return
	}

	if err := g.startSession(ctx, w, tok); err != nil {
		g.log.Error("bff.callback.store.fail", "err", err)
		apperr.Write(w, apperr.Internal(err))
		return
	}
	g.log.Info("bff.login.success", "session_id", sessionIDOf(tok))
	http.Redirect(w, r, g.cfg.FrontendURL+p.ReturnURL, http.StatusFound)
}

func (g *Gateway) startSession(ctx context.Context, w http.ResponseWriter, tok *oauth2.Token) error {
	key, err := newOpaqueToken(32)
	if err != nil {
		return err
	}
	exp := g.now().Add(g.cfg.CookieExpiration)
	if err := g.tokens.Put(ctx, key, toCached(tok, ""), g.cfg.CookieExpiration); err != nil {
		return err
	}
	g.setSessionCookie(w, key, exp)
	return nil
}

// handleLogout ends the upstream session and forgets the local one.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if key, ok := g.sessionKey(r); ok {
		if tok, err := g.tokens.Get(ctx, key); err == nil {
			if err := g.revokeUpstream(ctx, tok.RefreshToken); err != nil {
				g.log.Warn("bff.logout.revoke.fail", "err", err)
			}
		}
		if err := g.tokens.Delete(ctx, key); err != nil {
			g.log.Warn("bff.logout.delete.fail", "err", err)
		}
	}
	g.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) revokeUpstream(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Authority+"/auth/revoke", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode >= 300 {
		return errors.New("revoke returned " + res.Status)
	}
	return nil
}

type userResponse struct {
	Authenticated bool            `json:"authenticated"`
	SessionID     string          `json:"session_id,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	User          json.RawMessage `json:"user,omitempty"`
	LoginURL      string          `json:"login_url,omitempty"`
}

// handleUser reports whether the browser has a live BFF session and, if so,
// who the user is according to the API.
func (g *Gateway) handleUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, tok, ok := g.loadSession(ctx, w, r)
	if !ok {
		apperr.WriteJSON(w, http.StatusOK, userResponse{LoginURL: g.loginURL("")})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.Authority+"/auth/me", nil)
	if err != nil {
		apperr.Write(w, apperr.Internal(err))
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	res, err := g.client.Do(req)
	if err != nil {
		g.record("error")
		apperr.Write(w, apperr.New(http.StatusBadGateway, "upstream_unavailable", "auth server unavailable"))
		return
	}
	defer res.Body.Close()
	g.record(statusClass(res.StatusCode))

	if res.StatusCode == http.StatusUnauthorized {
		g.dropSession(ctx, w, key)
		apperr.WriteJSON(w, http.StatusOK, userResponse{LoginURL: g.loginURL("")})
		return
	}
	if res.StatusCode != http.StatusOK {
		apperr.Write(w, apperr.New(http.StatusBadGateway, "upstream_error", "unexpected auth server response"))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		apperr.Write(w, apperr.New(http.StatusBadGateway, "upstream_error", "unexpected auth server response"))
		return
	}
	exp := tok.Expiry
	apperr.WriteJSON(w, http.StatusOK, userResponse{
		Authenticated: true,
		SessionID:     tok.SessionID,
		ExpiresAt:     &exp,
		User:          raw,
	})
}

func toCached(tok *oauth2.Token, fallbackSession string) sessioncache.CachedAccessToken {
	sid := sessionIDOf(tok)
	if sid == "" {
		sid = fallbackSession
	}
	scope, _ := tok.Extra("scope").(string)
	return sessioncache.CachedAccessToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
		SessionID:    sid,
		Scope:        scope,
	}
}

func sessionIDOf(tok *oauth2.Token) string {
	sid, _ := tok.Extra("session_id").(string)
	return sid
}
