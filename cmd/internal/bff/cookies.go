package bff

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

func (g *Gateway) stateCookieName() string { return g.cfg.CookieName + ".State" }

func (g *Gateway) sessionKey(r *http.Request) (string, bool) {
	c, err := r.Cookie(g.cfg.CookieName)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(c.Value)
	if v == "" {
		return "", false
	}
	return v, true
}

func (g *Gateway) setSessionCookie(w http.ResponseWriter, value string, exp time.Time) {
	http.SetCookie(w, g.cookie(g.cfg.CookieName, value, "/", exp))
}

func (g *Gateway) setStateCookie(w http.ResponseWriter, value string, exp time.Time) {
	http.SetCookie(w, g.cookie(g.stateCookieName(), value, "/bff", exp))
}

func (g *Gateway) cookie(name, value, path string, exp time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   g.cfg.CookieDomain,
		Expires:  exp,
		HttpOnly: true,
		Secure:   g.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// expiredCookie returns a Set-Cookie value that removes name.
func (g *Gateway) expiredCookie(name, path string) *http.Cookie {
	c := g.cookie(name, "", path, time.Unix(0, 0).UTC())
	c.MaxAge = -1
	return c
}

func (g *Gateway) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, g.expiredCookie(g.cfg.CookieName, "/"))
}

func newOpaqueToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func secureStringEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// localPath accepts only same-origin absolute paths ("/x"), rejecting
// scheme-relative ("//host") and backslash tricks.
func localPath(raw string) (string, bool) {
	if raw == "" {
		return "/", true
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "", false
	}
	if strings.ContainsAny(raw, "\r\n\\") {
		return "", false
	}
	return raw, true
}
