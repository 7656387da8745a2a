package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"avancira/cmd/identity"
	"avancira/cmd/internal/auth/authz"
	"avancira/cmd/internal/auth/session"
	"avancira/cmd/internal/auth/sessioncache"
	"avancira/cmd/security/password"

	"github.com/go-chi/chi/v5"
)

const (
	testEmail    = "learner@example.com"
	testPassword = "correct horse battery"
	testUA       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type testServer struct {
	srv      *httptest.Server
	handler  *Handler
	users    *identity.Service
	store    *identity.MemoryStore
	sessions *session.Service
	audit    *MemoryAuditLog
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1
	idStore := identity.NewMemoryStore()
	users := identity.NewService(idStore, pw, nil)

	scfg := session.DefaultConfig()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 7)
	}
	scfg.SigningKeyHex = hex.EncodeToString(seed)
	scfg.RefreshPepper = "api-test-pepper-0123456789abcdef"
	tokens, err := session.NewAccessTokenManager(scfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}

	backend := sessioncache.NewMemoryBackend()
	sessions, err := session.NewService(scfg, session.Deps{
		Store:  session.NewMemoryStore(),
		Tokens: tokens,
		Users:  users,
		Cache:  sessioncache.New(backend, sessioncache.Options{}),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	policy, err := authz.NewPolicy(authz.DefaultGrants())
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	cfg := DefaultConfig()
	cfg.RedirectURIs = []string{"https://bff.example/bff/callback"}
	cfg.LoginPageURL = "https://app.example/login"
	if mutate != nil {
		mutate(&cfg)
	}

	audit := NewMemoryAuditLog()
	h, err := NewHandler(cfg, Deps{
		Sessions: sessions,
		Identity: users,
		Policy:   policy,
		Codes:    sessioncache.NewTokenStore(backend, "connect"),
		Audit:    audit,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	r := chi.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, handler: h, users: users, store: idStore, sessions: sessions, audit: audit}
}

func (ts *testServer) register(t *testing.T, email string) loginResponse {
	t.Helper()
	res := ts.do(t, http.MethodPost, "/auth/register", "", map[string]any{
		"email":      email,
		"password":   testPassword,
		"first_name": "Ada",
	})
	if res.status != http.StatusCreated {
		t.Fatalf("register status=%d body=%s", res.status, res.body)
	}
	var out loginResponse
	res.decode(t, &out)
	return out
}

func (ts *testServer) login(t *testing.T, email string) loginResponse {
	t.Helper()
	res := ts.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"email":    email,
		"password": testPassword,
	})
	if res.status != http.StatusOK {
		t.Fatalf("login status=%d body=%s", res.status, res.body)
	}
	var out loginResponse
	res.decode(t, &out)
	return out
}

type result struct {
	status int
	header http.Header
	body   []byte
}

func (r result) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.body, v); err != nil {
		t.Fatalf("decode: %v (%s)", err, r.body)
	}
}

func (r result) errorCode(t *testing.T) string {
	t.Helper()
	var eb struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	r.decode(t, &eb)
	return eb.Error.Code
}

// do sends a JSON request with the test user agent. Redirects are not followed.
func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) result {
	t.Helper()

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		payload = b
	}
	req := ts.newRequest(t, method, path, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return ts.send(t, req)
}

// postForm sends an application/x-www-form-urlencoded body.
func (ts *testServer) postForm(t *testing.T, path string, form url.Values, basicUser, basicPass string) result {
	t.Helper()
	req := ts.newRequest(t, http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}
	return ts.send(t, req)
}

func (ts *testServer) newRequest(t *testing.T, method, path string, body io.Reader) *http.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, method, ts.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("User-Agent", testUA)
	return req
}

func (ts *testServer) send(t *testing.T, req *http.Request) result {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return result{status: res.StatusCode, header: res.Header, body: b}
}
