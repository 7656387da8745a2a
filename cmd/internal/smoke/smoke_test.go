package smoke

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"avancira/cmd/internal/app"
)

const testSigningKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	v, err := app.NewViper("")
	if err != nil {
		t.Fatalf("NewViper: %v", err)
	}
	v.Set("auth.signingkey", testSigningKey)
	v.Set("database.url", "")
	v.Set("redisconnection", "")
	v.Set("nats.url", "")
	v.Set("password.argon2.memorykib", 8*1024)
	v.Set("password.argon2.iterations", 1)
	v.Set("hubs.allowedorigins", "http://app.test")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	core, err := app.NewCore(context.Background(), v, log)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	a, err := app.New(core, v)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
		_ = core.Close()
	})
	return srv
}

func TestRun_FullScenario(t *testing.T) {
	srv := newServer(t)

	res, err := Run(context.Background(), Config{
		BaseURL: srv.URL,
		Origin:  "http://app.test",
		Timeout: 5 * time.Second,
		Client:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SenderID == "" || res.RecipientID == "" || res.SenderID == res.RecipientID {
		t.Fatalf("unexpected users: %+v", res)
	}
	if res.ServerMsgID == "" || res.RevokedID == "" {
		t.Fatalf("incomplete result: %+v", res)
	}
}

func TestRun_RejectedOrigin(t *testing.T) {
	srv := newServer(t)

	_, err := Run(context.Background(), Config{
		BaseURL: srv.URL,
		Origin:  "http://evil.test",
		Timeout: 5 * time.Second,
		Client:  srv.Client(),
	})
	if err == nil || !strings.Contains(err.Error(), "connect alice/chat") {
		t.Fatalf("err=%v want handshake failure", err)
	}
}

func TestRun_ValidatesInput(t *testing.T) {
	t.Parallel()

	cases := []Config{
		{BaseURL: "ftp://host"},
		{BaseURL: "http://"},
		{BaseURL: "http://host", Origin: "ws://bad"},
	}
	for _, cfg := range cases {
		if _, err := Run(context.Background(), cfg); err == nil {
			t.Fatalf("Run(%+v) expected validation error", cfg)
		}
	}
}

func TestWSURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://127.0.0.1:8080":    "ws://127.0.0.1:8080",
		"https://api.avancira.com": "wss://api.avancira.com",
	}
	for in, want := range cases {
		if got := wsURL(in); got != want {
			t.Fatalf("wsURL(%q)=%q want %q", in, got, want)
		}
	}
}
