package bff

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"avancira/cmd/internal/apperr"
)

// Upstream paths that return credentials are never reachable through the proxy.
var blockedPrefixes = []string{"/connect/", "/auth/login", "/auth/refresh", "/auth/register"}

type proxyKey struct{}

type proxyState struct {
	key         string
	accessToken string
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	for _, p := range blockedPrefixes {
		if strings.HasPrefix(path, p) {
			apperr.Write(w, apperr.NotFound("not found"))
			return
		}
	}

	ctx := r.Context()
	key, tok, ok := g.loadSession(ctx, w, r)
	if !ok {
		g.writeReauth(w)
		return
	}
	ctx = context.WithValue(ctx, proxyKey{}, proxyState{key: key, accessToken: tok.AccessToken})
	g.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (g *Gateway) rewrite(pr *httputil.ProxyRequest) {
	st, _ := pr.In.Context().Value(proxyKey{}).(proxyState)

	pr.SetURL(g.upstream)
	pr.Out.URL.Path = strings.TrimRight(g.upstream.Path, "/") + strings.TrimPrefix(pr.In.URL.Path, "/api")
	pr.Out.URL.RawPath = ""
	pr.Out.Header.Del("Cookie")
	pr.Out.Header.Del("X-CSRF")
	pr.Out.Header.Set("Authorization", "Bearer "+st.accessToken)
	pr.SetXForwarded()
}

// modifyResponse turns an upstream 401 into a reauthentication response and
// ends the BFF session.
func (g *Gateway) modifyResponse(res *http.Response) error {
	g.record(statusClass(res.StatusCode))
	if res.StatusCode != http.StatusUnauthorized {
		return nil
	}

	if st, ok := res.Request.Context().Value(proxyKey{}).(proxyState); ok && st.key != "" {
		if err := g.tokens.Delete(res.Request.Context(), st.key); err != nil {
			g.log.Warn("bff.session.delete.fail", "err", err)
		}
	}
	_ = res.Body.Close()

	body, err := json.Marshal(g.reauthBody(""))
	if err != nil {
		return err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.Header = http.Header{}
	res.Header.Set("Content-Type", "application/json; charset=utf-8")
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	res.Header.Set("Cache-Control", "no-store")
	res.Header.Add("Set-Cookie", g.expiredCookie(g.cfg.CookieName, "/").String())
	g.log.Info("bff.upstream.unauthorized", "path", res.Request.URL.Path)
	return nil
}

func (g *Gateway) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	g.record("error")
	g.log.Warn("bff.upstream.fail", "path", r.URL.Path, "err", err)
	apperr.Write(w, apperr.New(http.StatusBadGateway, "upstream_unavailable", "upstream unavailable"))
}

type reauthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type reauthResponse struct {
	Error    reauthError `json:"error"`
	LoginURL string      `json:"login_url"`
}

func (g *Gateway) reauthBody(returnURL string) reauthResponse {
	return reauthResponse{
		Error:    reauthError{Code: "reauthentication_required", Message: "sign in again"},
		LoginURL: g.loginURL(returnURL),
	}
}

func (g *Gateway) writeReauth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="avancira"`)
	apperr.WriteJSON(w, http.StatusUnauthorized, g.reauthBody(""))
}

func statusClass(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "401"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
