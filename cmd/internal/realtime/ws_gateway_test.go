package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"avancira/cmd/internal/auth/authz"
	"avancira/cmd/internal/auth/session"
	"avancira/cmd/internal/events"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const testOrigin = "http://localhost:4200"

type fakeAuth struct {
	claims map[string]session.AccessClaims
}

func (f fakeAuth) ValidateAccessToken(_ context.Context, raw string, _ time.Time) (session.AccessClaims, error) {
	c, ok := f.claims[raw]
	if !ok {
		return session.AccessClaims{}, errors.New("invalid token")
	}
	return c, nil
}

type gaugeRecorder struct {
	mu   sync.Mutex
	open map[string]int
}

func (g *gaugeRecorder) HubConnected(hub string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open[hub]++
}

func (g *gaugeRecorder) HubDisconnected(hub string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open[hub]--
}

type testEnv struct {
	gw       *Gateway
	srv      *httptest.Server
	registry *MemoryRegistry
	gauges   *gaugeRecorder
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	if mutate != nil {
		mutate(&cfg)
	}
	policy, err := authz.NewPolicy(authz.DefaultGrants())
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	auth := fakeAuth{claims: map[string]session.AccessClaims{
		"tok-alice":   {UserID: "alice", SessionID: "s-alice", Roles: []string{"student"}},
		"tok-alice-2": {UserID: "alice", SessionID: "s-alice-2", Roles: []string{"student"}},
		"tok-bob":     {UserID: "bob", SessionID: "s-bob", Roles: []string{"tutor"}},
		"tok-norole":  {UserID: "eve", SessionID: "s-eve"},
	}}
	reg := NewMemoryRegistry()
	gauges := &gaugeRecorder{open: map[string]int{}}
	gw, err := NewGateway(cfg, Deps{
		Auth:     auth,
		Policy:   policy,
		Registry: reg,
		Metrics:  gauges,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	r := chi.NewRouter()
	gw.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{gw: gw, srv: srv, registry: reg, gauges: gauges}
}

func (e *testEnv) dial(t *testing.T, hub, token, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/hubs/" + hub
	if token != "" {
		u += "?access_token=" + token
	}
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader:   h,
		Subprotocols: []string{Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func (e *testEnv) mustDial(t *testing.T, hub, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(t, hub, token, testOrigin)
	if err != nil {
		t.Fatalf("dial %s: %v", hub, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{V: ProtocolVersion, Type: typ, ID: "c-1", TS: time.Now().UTC(), Payload: b}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func expect[T any](t *testing.T, conn *websocket.Conn, typ string) T {
	t.Helper()
	env := read(t, conn)
	if env.Type != typ {
		t.Fatalf("got %s (%s), want %s", env.Type, env.Payload, typ)
	}
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", typ, err)
	}
	return p
}

// hello waits for the connection to be fully registered on its hub.
func hello(t *testing.T, conn *websocket.Conn) HelloAckPayload {
	t.Helper()
	send(t, conn, TypeHello, struct{}{})
	return expect[HelloAckPayload](t, conn, TypeHelloAck)
}

func TestGateway_RejectsHandshake(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	tests := []struct {
		name   string
		hub    string
		token  string
		origin string
		want   int
	}{
		{"missing token", HubNotification, "", testOrigin, http.StatusUnauthorized},
		{"invalid token", HubNotification, "nope", testOrigin, http.StatusUnauthorized},
		{"foreign origin", HubNotification, "tok-alice", "https://evil.example", http.StatusForbidden},
		{"missing origin", HubChat, "tok-alice", "", http.StatusForbidden},
		{"chat without permission", HubChat, "tok-norole", testOrigin, http.StatusForbidden},
	}
	for _, tt := range tests {
		_, resp, err := e.dial(t, tt.hub, tt.token, tt.origin)
		if err == nil {
			t.Fatalf("%s: expected handshake failure", tt.name)
		}
		if resp == nil || resp.StatusCode != tt.want {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.Fatalf("%s: status=%d want %d", tt.name, status, tt.want)
		}
	}
}

func TestGateway_HelloAck(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	conn := e.mustDial(t, HubNotification, "tok-alice")
	ack := hello(t, conn)
	if ack.SessionID != "s-alice" || ack.Hub != HubNotification || ack.ConnectionID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if n := e.gw.Notification().LocalConnections("alice"); n != 1 {
		t.Fatalf("local connections=%d want 1", n)
	}
	if n, _ := e.registry.Count(context.Background(), HubNotification, "alice"); n != 1 {
		t.Fatalf("registry count=%d want 1", n)
	}
}

func TestGateway_BadEnvelope(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	conn := e.mustDial(t, HubChat, "tok-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"v":"v0","type":"hello"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p := expect[ErrorPayload](t, conn, TypeError); p.Code != "bad_envelope" {
		t.Fatalf("code=%s want bad_envelope", p.Code)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p := expect[ErrorPayload](t, conn, TypeError); p.Code != "bad_json" {
		t.Fatalf("code=%s want bad_json", p.Code)
	}
}

func TestChat_RelaysToRecipient(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	bob := e.mustDial(t, HubChat, "tok-bob")
	hello(t, bob)
	alice := e.mustDial(t, HubChat, "tok-alice")
	hello(t, alice)

	send(t, alice, TypeMessageSend, MessageSendPayload{RecipientID: "bob", ClientMsgID: "m1", Text: "  hi bob "})

	ack := expect[MessageAckPayload](t, alice, TypeMessageAck)
	if ack.Delivered != 1 || !ack.RecipientOnline || ack.ClientMsgID != "m1" || ack.ServerMsgID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	msg := expect[MessageNewPayload](t, bob, TypeMessageNew)
	if msg.SenderID != "alice" || msg.Text != "hi bob" || msg.ServerMsgID != ack.ServerMsgID {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestChat_RecipientPresenceFromRegistry(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	alice := e.mustDial(t, HubChat, "tok-alice")
	hello(t, alice)

	send(t, alice, TypeMessageSend, MessageSendPayload{RecipientID: "carol", ClientMsgID: "m1", Text: "hello"})
	ack := expect[MessageAckPayload](t, alice, TypeMessageAck)
	if ack.Delivered != 0 || ack.RecipientOnline {
		t.Fatalf("offline recipient ack %+v", ack)
	}

	// carol is connected to another instance
	if err := e.registry.Add(context.Background(), HubChat, "carol", "remote-conn"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	send(t, alice, TypeMessageSend, MessageSendPayload{RecipientID: "carol", ClientMsgID: "m2", Text: "hello"})
	ack = expect[MessageAckPayload](t, alice, TypeMessageAck)
	if ack.Delivered != 0 || !ack.RecipientOnline {
		t.Fatalf("remote recipient ack %+v", ack)
	}
}

func TestChat_RejectsInvalidMessages(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	alice := e.mustDial(t, HubChat, "tok-alice")

	tests := []MessageSendPayload{
		{RecipientID: "", ClientMsgID: "m", Text: "x"},
		{RecipientID: "alice", ClientMsgID: "m", Text: "x"},
		{RecipientID: "bob", ClientMsgID: "", Text: "x"},
		{RecipientID: "bob", ClientMsgID: "m", Text: "   "},
		{RecipientID: "bob", ClientMsgID: "m", Text: strings.Repeat("a", maxMessageChars+1)},
	}
	for _, p := range tests {
		send(t, alice, TypeMessageSend, p)
		if got := expect[ErrorPayload](t, alice, TypeError); got.Code != "send_failed" {
			t.Fatalf("payload %+v: code=%s want send_failed", p, got.Code)
		}
	}
}

func TestNotification_IsReceiveOnly(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	conn := e.mustDial(t, HubNotification, "tok-alice")

	send(t, conn, TypeMessageSend, MessageSendPayload{RecipientID: "bob", ClientMsgID: "m", Text: "x"})
	if p := expect[ErrorPayload](t, conn, TypeError); p.Code != "unsupported" {
		t.Fatalf("code=%s want unsupported", p.Code)
	}
}

func TestSessionRevoked_ClosesOnlyRevokedSession(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	revoked := e.mustDial(t, HubNotification, "tok-alice")
	hello(t, revoked)
	revokedChat := e.mustDial(t, HubChat, "tok-alice")
	hello(t, revokedChat)
	other := e.mustDial(t, HubNotification, "tok-alice-2")
	hello(t, other)

	e.gw.OnSessionRevoked(context.Background(), events.SessionRevoked{
		UserID:     "alice",
		SessionIDs: []string{"s-alice"},
		Reason:     "logout",
	})

	for _, conn := range []*websocket.Conn{revoked, other} {
		p := expect[SessionRevokedPayload](t, conn, TypeSessionRevoked)
		if len(p.SessionIDs) != 1 || p.SessionIDs[0] != "s-alice" || p.Reason != "logout" {
			t.Fatalf("unexpected payload %+v", p)
		}
	}

	for _, conn := range []*websocket.Conn{revoked, revokedChat} {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("expected policy violation close, got %v", err)
		}
	}

	// the other session stays usable
	if ack := hello(t, other); ack.SessionID != "s-alice-2" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	deadline := time.Now().Add(3 * time.Second)
	for e.gw.Notification().LocalConnections("alice") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("revoked connection still attached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_RateLimitClosesConnection(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(c *Config) {
		c.RateEvents = 2
		c.RateWindow = time.Minute
	})
	conn := e.mustDial(t, HubChat, "tok-bob")

	hello(t, conn)
	hello(t, conn)
	send(t, conn, TypeHello, struct{}{})
	if p := expect[ErrorPayload](t, conn, TypeError); p.Code != "rate_limited" {
		t.Fatalf("code=%s want rate_limited", p.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestGateway_TracksConnectionGauge(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	conn, _, err := e.dial(t, HubChat, "tok-bob", testOrigin)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	hello(t, conn)
	e.gauges.mu.Lock()
	open := e.gauges.open[HubChat]
	e.gauges.mu.Unlock()
	if open != 1 {
		t.Fatalf("open=%d want 1", open)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	deadline := time.Now().Add(3 * time.Second)
	for {
		e.gauges.mu.Lock()
		open = e.gauges.open[HubChat]
		e.gauges.mu.Unlock()
		if open == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gauge not decremented")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := e.registry.Count(context.Background(), HubChat, "bob"); n != 0 {
		t.Fatalf("registry count=%d want 0", n)
	}
}

func TestAccessToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"query", "/hubs/chat?access_token=abc", "", "abc"},
		{"header", "/hubs/chat", "Bearer xyz", "xyz"},
		{"query wins", "/hubs/chat?access_token=abc", "Bearer xyz", "abc"},
		{"basic ignored", "/hubs/chat", "Basic xyz", ""},
		{"none", "/hubs/chat", "", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.url, nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := accessToken(r); got != tt.want {
			t.Fatalf("%s: got %q want %q", tt.name, got, tt.want)
		}
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	g := &Gateway{cfg: Config{OriginRequired: true, AllowedOrigins: []string{"https://app.avancira.com", "http://localhost:4200"}}}
	tests := []struct {
		origin string
		ok     bool
	}{
		{"https://app.avancira.com", true},
		{"http://localhost:8080", true},
		{"https://evil.example", false},
		{"", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/hubs/chat", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if err := g.enforceOrigin(r); (err == nil) != tt.ok {
			t.Fatalf("origin %q: err=%v want ok=%v", tt.origin, err, tt.ok)
		}
	}

	got := deriveOriginPatterns([]string{"https://app.avancira.com", "http://localhost:4200", "*"})
	want := []string{"*", "app.avancira.com", "app.avancira.com:*", "localhost", "localhost:*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want %v", got, want)
	}
}
