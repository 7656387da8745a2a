package bff

import (
	"context"
	"errors"
	"net/http"
	"time"

	"avancira/cmd/internal/auth/sessioncache"

	"golang.org/x/oauth2"
)

// refreshTimeout bounds a shared refresh, which outlives the request that
// started it.
const refreshTimeout = 15 * time.Second

// loadSession resolves the cookie to a token set, refreshing it when the
// access token is about to expire. ok is false when the browser must log in
// again; any stale cookie has been cleared by then.
func (g *Gateway) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, sessioncache.CachedAccessToken, bool) {
	key, ok := g.sessionKey(r)
	if !ok {
		return "", sessioncache.CachedAccessToken{}, false
	}
	tok, err := g.tokens.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, sessioncache.ErrTokenNotFound) {
			g.log.Error("bff.session.load.fail", "err", err)
		}
		g.clearSessionCookie(w)
		return "", sessioncache.CachedAccessToken{}, false
	}
	if !tok.ExpiresWithin(g.now(), g.cfg.RefreshBefore) {
		return key, tok, true
	}

	v, err, _ := g.refreshes.Do(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return g.refresh(rctx, key, tok)
	})
	if err != nil {
		g.log.Info("bff.session.refresh.fail", "session_id", tok.SessionID, "err", err)
		g.dropSession(ctx, w, key)
		return "", sessioncache.CachedAccessToken{}, false
	}
	return key, v.(sessioncache.CachedAccessToken), true
}

// refresh rotates the token set. When another instance won the rotation race
// the stored set is already fresh and is used as is.
func (g *Gateway) refresh(ctx context.Context, key string, old sessioncache.CachedAccessToken) (sessioncache.CachedAccessToken, error) {
	src := g.oauth.TokenSource(g.oauthContext(ctx), &oauth2.Token{RefreshToken: old.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		if cur, gerr := g.tokens.Get(ctx, key); gerr == nil && cur.RefreshToken != old.RefreshToken && !cur.ExpiresWithin(g.now(), g.cfg.RefreshBefore) {
			return cur, nil
		}
		return sessioncache.CachedAccessToken{}, err
	}
	next := toCached(fresh, old.SessionID)
	if next.RefreshToken == "" {
		next.RefreshToken = old.RefreshToken
	}
	if err := g.tokens.Put(ctx, key, next, g.cfg.CookieExpiration); err != nil {
		return sessioncache.CachedAccessToken{}, err
	}
	g.log.Debug("bff.session.refreshed", "session_id", next.SessionID)
	return next, nil
}

// dropSession forgets the server-side tokens and clears the cookie.
func (g *Gateway) dropSession(ctx context.Context, w http.ResponseWriter, key string) {
	if err := g.tokens.Delete(ctx, key); err != nil {
		g.log.Warn("bff.session.delete.fail", "err", err)
	}
	g.clearSessionCookie(w)
}
