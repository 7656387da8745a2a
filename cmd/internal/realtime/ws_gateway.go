// Package realtime serves the /hubs/notification and /hubs/chat websocket
// endpoints. Connections are authenticated with an access token and closed
// when their session is revoked.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"avancira/cmd/internal/apperr"
	"avancira/cmd/internal/auth/authz"
	"avancira/cmd/internal/auth/session"
	"avancira/cmd/internal/events"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Subprotocol is the only websocket subprotocol the hubs accept.
const Subprotocol = "avancira.realtime.v1"

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Authenticator validates hub access tokens.
type Authenticator interface {
	ValidateAccessToken(ctx context.Context, raw string, now time.Time) (session.AccessClaims, error)
}

// Deps are the collaborators of a Gateway.
type Deps struct {
	Auth     Authenticator
	Policy   *authz.Policy
	Registry ConnectionRegistry
	Metrics  Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Gateway is the websocket entrypoint for both hubs.
//
// It enforces origin policy, authentication, subprotocol selection, rate
// limits and heartbeats, then routes validated envelopes to the hub.
type Gateway struct {
	cfg    Config
	log    *slog.Logger
	auth   Authenticator
	policy *authz.Policy
	now    func() time.Time

	notification *Hub
	chat         *Hub

	// Derived from AllowedOrigins for websocket.Accept so both checks agree.
	originPatterns []string
}

// NewGateway builds a Gateway with the notification and chat hubs.
func NewGateway(cfg Config, d Deps) (*Gateway, error) {
	if d.Auth == nil {
		return nil, errors.New("realtime: authenticator is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Registry == nil {
		d.Registry = NewMemoryRegistry()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	cfg = cfg.withDefaults()

	return &Gateway{
		cfg:            cfg,
		log:            d.Logger,
		auth:           d.Auth,
		policy:         d.Policy,
		now:            d.Now,
		notification:   newHub(HubNotification, d.Registry, d.Metrics, d.Logger),
		chat:           newHub(HubChat, d.Registry, d.Metrics, d.Logger),
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// Register mounts the hub endpoints.
func (g *Gateway) Register(r chi.Router) {
	r.Get("/hubs/notification", g.handler(g.notification))
	r.Get("/hubs/chat", g.handler(g.chat))
}

func (g *Gateway) Notification() *Hub { return g.notification }
func (g *Gateway) Chat() *Hub         { return g.chat }

// OnSessionRevoked tells the user's notification connections which sessions
// ended, then closes every local connection opened with one of them.
// It is an events.Handler.
func (g *Gateway) OnSessionRevoked(_ context.Context, ev events.SessionRevoked) {
	now := g.now().UTC()
	env, err := newEnvelope(TypeSessionRevoked, SessionRevokedPayload{
		SessionIDs: ev.SessionIDs,
		Reason:     ev.Reason,
	}, now)
	if err != nil {
		g.log.Error("ws.revoked.encode.fail", "err", err)
		return
	}
	notified := g.notification.SendToUser(ev.UserID, env)
	closed := g.notification.EvictSessions(ev.UserID, ev.SessionIDs, "session revoked") +
		g.chat.EvictSessions(ev.UserID, ev.SessionIDs, "session revoked")
	if notified > 0 || closed > 0 {
		g.log.Info("ws.session.revoked", "user_id", ev.UserID, "notified", notified, "closed", closed, "reason", ev.Reason)
	}
}

func (g *Gateway) handler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, hub)
	}
}

// accessToken reads the bearer token from the access_token query parameter
// (browsers cannot set headers on websocket requests) or the Authorization header.
func accessToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("access_token")); t != "" {
		return t
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, hub *Hub) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "hub", hub.name, "err", err, "origin", r.Header.Get("Origin"))
		apperr.Write(w, apperr.Forbidden("origin not allowed"))
		return
	}

	raw := accessToken(r)
	if raw == "" {
		apperr.Write(w, apperr.Unauthorized("access token required"))
		return
	}
	claims, err := g.auth.ValidateAccessToken(r.Context(), raw, g.now())
	if err != nil {
		g.log.Info("ws.reject.auth", "hub", hub.name, "err", err)
		apperr.Write(w, apperr.Unauthorized("invalid access token"))
		return
	}
	if hub == g.chat && g.policy != nil && !g.policy.Allows(claims.Roles, authz.UseChat) {
		apperr.Write(w, apperr.Forbidden("chat not permitted"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "hub", hub.name, "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := NewClient(NewConnectionID(g.now()), hub.name, claims.UserID, claims.SessionID, g.cfg.SendQueueSize)
	hub.attach(ctx, client)
	defer hub.detach(client)
	log := g.log.With("hub", hub.name, "conn_id", client.ID, "session_id", client.SessionID)
	log.Info("ws.connected", "user_id", client.UserID)

	var closeOnce sync.Once
	// shutdown is idempotent and never closes client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-client.evict:
				g.flush(ctx, conn, client)
				log.Info("ws.evicted", "reason", client.evictReason)
				shutdown(websocket.StatusPolicyViolation, client.evictReason)
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := g.now().UTC()
		if !rl.Allow(now) {
			g.sendError(client, "rate_limited", "too many events")
			client.Evict("rate limited")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case TypeHello:
			if err := g.onHello(client, now); err != nil {
				g.sendError(client, "hello_failed", err.Error())
			}
		case TypeMessageSend:
			if hub != g.chat {
				g.sendError(client, "unsupported", "notification hub is receive-only")
				continue readLoop
			}
			if err := g.onMessageSend(ctx, hub, client, env, now); err != nil {
				g.sendError(client, "send_failed", err.Error())
			}
		default:
			g.sendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.disconnected")
}

// flush writes whatever is already queued, without waiting for more.
func (g *Gateway) flush(ctx context.Context, conn *websocket.Conn, c *Client) {
	for {
		select {
		case env := <-c.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ---- handlers ----

func (g *Gateway) onHello(client *Client, now time.Time) error {
	ack, err := newEnvelope(TypeHelloAck, HelloAckPayload{
		ConnectionID: client.ID,
		SessionID:    client.SessionID,
		Hub:          client.Hub,
	}, now)
	if err != nil {
		return err
	}
	if !client.Offer(ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *Gateway) onMessageSend(ctx context.Context, hub *Hub, client *Client, env Envelope, now time.Time) error {
	var p MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	recipient := strings.TrimSpace(p.RecipientID)
	if recipient == "" {
		return errors.New("missing recipient_id")
	}
	if recipient == client.UserID {
		return errors.New("cannot message yourself")
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return errors.New("missing client_msg_id")
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return errors.New("empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	serverMsgID := NewEnvelopeID(now)
	msg, err := newEnvelope(TypeMessageNew, MessageNewPayload{
		ServerMsgID: serverMsgID,
		ClientMsgID: p.ClientMsgID,
		SenderID:    client.UserID,
		Text:        text,
		ServerTS:    now,
	}, now)
	if err != nil {
		return err
	}
	delivered := hub.SendToUser(recipient, msg)

	online := delivered > 0
	if !online {
		n, err := hub.registry.Count(ctx, hub.name, recipient)
		if err != nil {
			g.log.Warn("hub.registry.count.fail", "hub", hub.name, "err", err)
		}
		online = n > 0
	}

	ack, err := newEnvelope(TypeMessageAck, MessageAckPayload{
		ClientMsgID:     p.ClientMsgID,
		ServerMsgID:     serverMsgID,
		Delivered:       delivered,
		RecipientOnline: online,
	}, now)
	if err != nil {
		return err
	}
	if !client.Offer(ack) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *Gateway) sendError(client *Client, code, msg string) {
	env, err := newEnvelope(TypeError, ErrorPayload{Code: code, Message: msg}, g.now().UTC())
	if err != nil {
		return
	}
	_ = client.Offer(env)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any, ts time.Time) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:       ProtocolVersion,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: b,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host
// patterns. Each host is accepted on any port to match enforceOrigin.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed)*2)
	for _, a := range allowed {
		h := originHostOnly(a)
		switch h {
		case "":
			continue
		case "*":
			seen["*"] = struct{}{}
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
