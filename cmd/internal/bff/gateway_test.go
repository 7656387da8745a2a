package bff

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"avancira/cmd/internal/auth/sessioncache"

	"github.com/go-chi/chi/v5"
)

// fakeAuthority plays both the auth server and the API upstream.
type fakeAuthority struct {
	srv *httptest.Server

	mu          sync.Mutex
	challenge   string
	expiresIn   int
	failRefresh bool
	apiStatus   int
	issued      int
	access      string
	refresh     string
	refreshes   int
	revoked     []string
	seenAuth    []string
	seenCookies []string
	seenPaths   []string
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()
	fa := &fakeAuthority{expiresIn: 900, apiStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", fa.token)
	mux.HandleFunc("/auth/revoke", fa.revoke)
	mux.HandleFunc("/auth/me", fa.me)
	mux.HandleFunc("/courses", fa.api)
	fa.srv = httptest.NewServer(mux)
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAuthority) issueLocked(w http.ResponseWriter) {
	fa.issued++
	fa.access = fmt.Sprintf("at-%d", fa.issued)
	fa.refresh = fmt.Sprintf("rt-%d", fa.issued)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  fa.access,
		"token_type":    "Bearer",
		"expires_in":    fa.expiresIn,
		"refresh_token": fa.refresh,
		"session_id":    "sess-1",
	})
}

func (fa *fakeAuthority) token(w http.ResponseWriter, r *http.Request) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if id, _, ok := r.BasicAuth(); !ok || id != "avancira-bff" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_ = r.ParseForm()
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if r.PostForm.Get("code") != "good-code" || base64.RawURLEncoding.EncodeToString(sum[:]) != fa.challenge {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		fa.issueLocked(w)
	case "refresh_token":
		fa.refreshes++
		if fa.failRefresh || r.PostForm.Get("refresh_token") != fa.refresh {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		fa.issueLocked(w)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (fa *fakeAuthority) revoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	fa.mu.Lock()
	fa.revoked = append(fa.revoked, body.RefreshToken)
	fa.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (fa *fakeAuthority) me(w http.ResponseWriter, r *http.Request) {
	fa.mu.Lock()
	ok := r.Header.Get("Authorization") == "Bearer "+fa.access
	fa.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"user":{"id":"u1","email":"a@b.io"}}`))
}

func (fa *fakeAuthority) api(w http.ResponseWriter, r *http.Request) {
	fa.mu.Lock()
	fa.seenAuth = append(fa.seenAuth, r.Header.Get("Authorization"))
	fa.seenCookies = append(fa.seenCookies, r.Header.Get("Cookie"))
	fa.seenPaths = append(fa.seenPaths, r.URL.Path)
	status := fa.apiStatus
	fa.mu.Unlock()
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"courses":[]}`))
}

func (fa *fakeAuthority) lastAuth() string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.seenAuth) == 0 {
		return ""
	}
	return fa.seenAuth[len(fa.seenAuth)-1]
}

type countingRecorder struct {
	mu      sync.Mutex
	classes map[string]int
}

func (c *countingRecorder) Upstream(class string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.classes == nil {
		c.classes = map[string]int{}
	}
	c.classes[class]++
}

type harness struct {
	fa      *fakeAuthority
	gw      *Gateway
	router  chi.Router
	metrics *countingRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fa := newFakeAuthority(t)

	cfg := Config{
		Authority:        fa.srv.URL,
		ClientID:         "avancira-bff",
		Scopes:           []string{"api"},
		RedirectURL:      "http://bff.test/bff/callback",
		APIUpstream:      fa.srv.URL,
		FrontendURL:      "http://app.test",
		CookieName:       ".Avancira.Auth",
		CookieExpiration: 8 * time.Hour,
		RefreshBefore:    30 * time.Second,
		PendingTTL:       10 * time.Minute,
	}
	rec := &countingRecorder{}
	gw, err := New(cfg, Deps{
		Tokens:  sessioncache.NewTokenStore(sessioncache.NewMemoryBackend(), "bff"),
		Metrics: rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := chi.NewRouter()
	gw.Register(r)
	return &harness{fa: fa, gw: gw, router: r, metrics: rec}
}

func (h *harness) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func cookieNamed(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// login runs /bff/login and /bff/callback and returns the session cookie.
func (h *harness) login(t *testing.T) *http.Cookie {
	t.Helper()

	rr := h.serve(httptest.NewRequest(http.MethodGet, "/bff/login?returnUrl=/dashboard", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("login status=%d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := loc.Query()
	if loc.Path != "/connect/authorize" || q.Get("code_challenge_method") != "S256" || q.Get("client_id") != "avancira-bff" {
		t.Fatalf("unexpected authorize url %s", loc)
	}
	h.fa.mu.Lock()
	h.fa.challenge = q.Get("code_challenge")
	h.fa.mu.Unlock()

	stateCookie := cookieNamed(rr, ".Avancira.Auth.State")
	if stateCookie == nil || stateCookie.Value != q.Get("state") || !stateCookie.HttpOnly {
		t.Fatalf("state cookie missing or wrong: %+v", stateCookie)
	}

	req := httptest.NewRequest(http.MethodGet, "/bff/callback?code=good-code&state="+url.QueryEscape(q.Get("state")), nil)
	req.AddCookie(stateCookie)
	rr = h.serve(req)
	if rr.Code != http.StatusFound {
		t.Fatalf("callback status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Location"); got != "http://app.test/dashboard" {
		t.Fatalf("callback redirect=%q", got)
	}
	c := cookieNamed(rr, ".Avancira.Auth")
	if c == nil || !c.HttpOnly || c.Value == "" {
		t.Fatalf("session cookie missing: %+v", c)
	}
	if strings.Contains(rr.Body.String(), "at-") || strings.Contains(rr.Body.String(), "rt-") {
		t.Fatalf("tokens leaked to the browser")
	}
	return c
}

func (h *harness) api(t *testing.T, method string, cookie *http.Cookie, csrf bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api/courses", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if csrf {
		req.Header.Set("X-CSRF", "1")
	}
	return h.serve(req)
}

func TestLoginFlow_ProxyAddsBearer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cookie := h.login(t)

	rr := h.api(t, http.MethodGet, cookie, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("proxy status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := h.fa.lastAuth(); got != "Bearer at-1" {
		t.Fatalf("upstream Authorization=%q", got)
	}
	h.fa.mu.Lock()
	defer h.fa.mu.Unlock()
	if h.fa.seenCookies[0] != "" {
		t.Fatalf("browser cookie forwarded upstream: %q", h.fa.seenCookies[0])
	}
	if h.fa.seenPaths[0] != "/courses" {
		t.Fatalf("upstream path=%q", h.fa.seenPaths[0])
	}
}

func TestProxy_RequiresCSRFForUnsafeMethods(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cookie := h.login(t)

	if rr := h.api(t, http.MethodPost, cookie, false); rr.Code != http.StatusForbidden {
		t.Fatalf("POST without X-CSRF status=%d want 403", rr.Code)
	}
	if rr := h.api(t, http.MethodPost, cookie, true); rr.Code != http.StatusOK {
		t.Fatalf("POST with X-CSRF status=%d", rr.Code)
	}
}

func TestProxy_WithoutSessionRequiresLogin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rr := h.api(t, http.MethodGet, nil, false)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", rr.Code)
	}
	var body reauthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "reauthentication_required" || body.LoginURL != "/bff/login" {
		t.Fatalf("unexpected body %+v", body)
	}

	rr = h.api(t, http.MethodGet, &http.Cookie{Name: ".Avancira.Auth", Value: "forged"}, false)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown cookie status=%d want 401", rr.Code)
	}
}

func TestProxy_RefreshesNearExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fa.expiresIn = 10
	cookie := h.login(t)

	h.fa.mu.Lock()
	h.fa.expiresIn = 900
	h.fa.mu.Unlock()

	rr := h.api(t, http.MethodGet, cookie, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := h.fa.lastAuth(); got != "Bearer at-2" {
		t.Fatalf("expected refreshed token upstream, got %q", got)
	}

	rr = h.api(t, http.MethodGet, cookie, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("second call status=%d", rr.Code)
	}
	h.fa.mu.Lock()
	defer h.fa.mu.Unlock()
	if h.fa.refreshes != 1 {
		t.Fatalf("refreshes=%d want 1", h.fa.refreshes)
	}
}

func TestLoadSession_RefreshSurvivesCanceledRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fa.expiresIn = 10
	cookie := h.login(t)

	h.fa.mu.Lock()
	h.fa.expiresIn = 900
	h.fa.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/courses", nil).WithContext(ctx)
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()

	_, tok, ok := h.gw.loadSession(ctx, rr, req)
	if !ok {
		t.Fatalf("refresh started by a canceled request must still complete")
	}
	if tok.AccessToken != "at-2" {
		t.Fatalf("access token=%q want at-2", tok.AccessToken)
	}
	if c := cookieNamed(rr, ".Avancira.Auth"); c != nil && c.MaxAge < 0 {
		t.Fatalf("session cookie cleared: %+v", c)
	}
}

func TestProxy_FailedRefreshDropsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fa.expiresIn = 10
	cookie := h.login(t)

	h.fa.mu.Lock()
	h.fa.failRefresh = true
	h.fa.mu.Unlock()

	rr := h.api(t, http.MethodGet, cookie, false)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", rr.Code)
	}
	if c := cookieNamed(rr, ".Avancira.Auth"); c == nil || c.MaxAge >= 0 {
		t.Fatalf("cookie not cleared: %+v", c)
	}
}

func TestProxy_Upstream401EndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cookie := h.login(t)

	h.fa.mu.Lock()
	h.fa.apiStatus = http.StatusUnauthorized
	h.fa.mu.Unlock()

	rr := h.api(t, http.MethodGet, cookie, false)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", rr.Code)
	}
	var body reauthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, rr.Body.String())
	}
	if body.Error.Code != "reauthentication_required" || body.LoginURL == "" {
		t.Fatalf("unexpected body %+v", body)
	}
	if c := cookieNamed(rr, ".Avancira.Auth"); c == nil || c.MaxAge >= 0 {
		t.Fatalf("cookie not cleared: %+v", c)
	}

	h.fa.mu.Lock()
	h.fa.apiStatus = http.StatusOK
	h.fa.mu.Unlock()
	if rr := h.api(t, http.MethodGet, cookie, false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("session should be gone, status=%d", rr.Code)
	}

	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	if h.metrics.classes["401"] != 1 {
		t.Fatalf("upstream 401 not counted: %v", h.metrics.classes)
	}
}

func TestProxy_BlocksCredentialEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cookie := h.login(t)

	for _, path := range []string{"/api/connect/token", "/api/auth/refresh", "/api/auth/login"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.AddCookie(cookie)
		if rr := h.serve(req); rr.Code != http.StatusNotFound {
			t.Fatalf("%s status=%d want 404", path, rr.Code)
		}
	}
}

func TestLogin_RejectsNonLocalReturnURL(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, raw := range []string{"https://evil.example/", "//evil.example", "/\\evil.example", "dashboard"} {
		rr := h.serve(httptest.NewRequest(http.MethodGet, "/bff/login?returnUrl="+url.QueryEscape(raw), nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("returnUrl %q status=%d want 400", raw, rr.Code)
		}
	}
}

func TestCallback_RejectsStateMismatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rr := h.serve(httptest.NewRequest(http.MethodGet, "/bff/login", nil))
	state := cookieNamed(rr, ".Avancira.Auth.State")

	req := httptest.NewRequest(http.MethodGet, "/bff/callback?code=good-code&state=other", nil)
	req.AddCookie(state)
	if rr := h.serve(req); rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/bff/callback?code=good-code&state="+state.Value, nil)
	if rr := h.serve(req); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing state cookie status=%d want 400", rr.Code)
	}
}

func TestLogout_RevokesUpstreamSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cookie := h.login(t)

	req := httptest.NewRequest(http.MethodPost, "/bff/logout", nil)
	req.AddCookie(cookie)
	if rr := h.serve(req); rr.Code != http.StatusForbidden {
		t.Fatalf("logout without X-CSRF status=%d want 403", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/bff/logout", nil)
	req.AddCookie(cookie)
	req.Header.Set("X-CSRF", "1")
	rr := h.serve(req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout status=%d", rr.Code)
	}
	if c := cookieNamed(rr, ".Avancira.Auth"); c == nil || c.MaxAge >= 0 {
		t.Fatalf("cookie not cleared: %+v", c)
	}
	h.fa.mu.Lock()
	revoked := append([]string(nil), h.fa.revoked...)
	h.fa.mu.Unlock()
	if len(revoked) != 1 || revoked[0] != "rt-1" {
		t.Fatalf("upstream revoke=%v", revoked)
	}
	if rr := h.api(t, http.MethodGet, cookie, false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("api after logout status=%d want 401", rr.Code)
	}
}

func TestUser_ReportsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rr := h.serve(httptest.NewRequest(http.MethodGet, "/bff/user", nil))
	var anon userResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &anon); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rr.Code != http.StatusOK || anon.Authenticated || anon.LoginURL == "" {
		t.Fatalf("anonymous probe: %d %+v", rr.Code, anon)
	}

	cookie := h.login(t)
	req := httptest.NewRequest(http.MethodGet, "/bff/user", nil)
	req.AddCookie(cookie)
	rr = h.serve(req)
	var me userResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !me.Authenticated || me.SessionID != "sess-1" || !strings.Contains(string(me.User), `"u1"`) {
		t.Fatalf("unexpected probe: %s", rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "at-1") {
		t.Fatalf("access token leaked")
	}
}

func TestLocalPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "/", true},
		{"/courses?id=1", "/courses?id=1", true},
		{"//evil", "", false},
		{"/\\evil", "", false},
		{"http://evil", "", false},
		{"/a\r\nSet-Cookie: x", "", false},
	}
	for _, tt := range tests {
		got, ok := localPath(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("localPath(%q)=(%q,%v) want (%q,%v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
