package session

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"avancira/cmd/identity"
	"avancira/cmd/internal/auth/clientinfo"
	"avancira/cmd/internal/auth/sessioncache"
	"avancira/cmd/internal/events"
	"avancira/cmd/security/password"
)

const (
	testEmail    = "learner@example.com"
	testPassword = "correct horse battery"

	uaChromeMac = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaAndroid   = "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
)

func testSigningKeyHex() string {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	return hex.EncodeToString(seed)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SigningKeyHex = testSigningKeyHex()
	cfg.RefreshPepper = "0123456789abcdef0123456789abcdef-pepper"
	return cfg
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []Reason
}

func (n *recordingNotifier) NotifySessionsRevoked(_ context.Context, _ string, _ []string, reason Reason) error {
	n.mu.Lock()
	n.calls = append(n.calls, reason)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	users    *identity.Service
	cache    *sessioncache.Cache
	notifier *recordingNotifier
	events   []events.SessionRevoked
	mu       sync.Mutex
	userID   string
}

func (h *harness) revokedEvents() []events.SessionRevoked {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.SessionRevoked(nil), h.events...)
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1
	users := identity.NewService(identity.NewMemoryStore(), pw, nil)

	u, err := users.Register(context.Background(), time.Now().UTC(), identity.RegisterInput{
		Email:    testEmail,
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	tokens, err := NewAccessTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}

	h := &harness{
		store:    NewMemoryStore(),
		users:    users,
		cache:    sessioncache.New(sessioncache.NewMemoryBackend(), sessioncache.Options{}),
		notifier: &recordingNotifier{},
		userID:   u.ID,
	}
	bus := events.NewMemoryBus()
	_, _ = bus.SubscribeSessionRevoked(func(_ context.Context, ev events.SessionRevoked) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	h.svc, err = NewService(cfg, Deps{
		Store:    h.store,
		Tokens:   tokens,
		Users:    users,
		Cache:    h.cache,
		Events:   bus,
		Notifier: h.notifier,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return h
}

func (h *harness) login(t *testing.T, now time.Time, ua string, rememberMe bool) TokenPair {
	t.Helper()
	pair, err := h.svc.GenerateToken(context.Background(), now, testEmail, testPassword, rememberMe, clientinfo.Parse(ua))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return pair
}
