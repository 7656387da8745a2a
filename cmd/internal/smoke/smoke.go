// Package smoke drives a running server end to end: registration over HTTP,
// hub handshakes, a chat relay and a logout that must surface on the
// notification hub.
package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"avancira/cmd/identity/ids"
	"avancira/cmd/internal/realtime"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

// Config points the run at a server.
type Config struct {
	// BaseURL is the auth server, e.g. http://127.0.0.1:8080.
	BaseURL string
	// Origin is sent on websocket handshakes; it must be allowed by hubs.allowedorigins.
	Origin   string
	Password string
	Timeout  time.Duration
	Client   *http.Client
}

// Result summarizes a successful run.
type Result struct {
	SenderID    string
	RecipientID string
	ServerMsgID string
	RevokedID   string
}

type account struct {
	name        string
	userID      string
	sessionID   string
	accessToken string
}

type wsClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan realtime.Envelope
	errCh chan error
}

// Run executes the scenario and returns the first failed expectation.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return Result{}, fmt.Errorf("invalid base url: %w", err)
	}
	if err := validateOrigin(cfg.Origin); err != nil {
		return Result{}, fmt.Errorf("invalid origin: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Password == "" {
		cfg.Password = "Smoke-Test-Passphrase-" + ids.New(time.Now())[:8]
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	alice, err := register(ctx, cfg, base, "alice")
	if err != nil {
		return Result{}, err
	}
	bob, err := register(ctx, cfg, base, "bob")
	if err != nil {
		return Result{}, err
	}

	aChat, err := connect(ctx, cfg, base, realtime.HubChat, alice)
	if err != nil {
		return Result{}, err
	}
	defer closeWS(aChat.conn)
	bChat, err := connect(ctx, cfg, base, realtime.HubChat, bob)
	if err != nil {
		return Result{}, err
	}
	defer closeWS(bChat.conn)
	bNotify, err := connect(ctx, cfg, base, realtime.HubNotification, bob)
	if err != nil {
		return Result{}, err
	}
	defer closeWS(bNotify.conn)

	clientMsgID := "cmsg-" + ids.New(time.Now())
	text := "hello avancira"
	send, err := newEnvelope(realtime.TypeMessageSend, realtime.MessageSendPayload{
		RecipientID: bob.userID,
		ClientMsgID: clientMsgID,
		Text:        text,
	})
	if err != nil {
		return Result{}, err
	}
	if err := write(ctx, aChat.conn, send, cfg.Timeout); err != nil {
		return Result{}, fmt.Errorf("send (%s): %w", aChat.name, err)
	}

	var ack realtime.MessageAckPayload
	if err := aChat.expect(ctx, realtime.TypeMessageAck, cfg.Timeout, &ack); err != nil {
		return Result{}, err
	}
	if ack.ClientMsgID != clientMsgID || ack.ServerMsgID == "" {
		return Result{}, fmt.Errorf("ack mismatch: %+v", ack)
	}
	if ack.Delivered < 1 || !ack.RecipientOnline {
		return Result{}, fmt.Errorf("ack reports recipient unreachable: %+v", ack)
	}

	var msg realtime.MessageNewPayload
	if err := bChat.expect(ctx, realtime.TypeMessageNew, cfg.Timeout, &msg); err != nil {
		return Result{}, err
	}
	if msg.ServerMsgID != ack.ServerMsgID || msg.SenderID != alice.userID || msg.Text != text {
		return Result{}, fmt.Errorf("message_new mismatch: %+v", msg)
	}
	if msg.ServerTS.IsZero() {
		return Result{}, errors.New("message_new missing server_ts")
	}

	if err := logout(ctx, cfg, base, bob); err != nil {
		return Result{}, err
	}
	var revoked realtime.SessionRevokedPayload
	if err := bNotify.expect(ctx, realtime.TypeSessionRevoked, cfg.Timeout, &revoked); err != nil {
		return Result{}, err
	}
	if !slices.Contains(revoked.SessionIDs, bob.sessionID) {
		return Result{}, fmt.Errorf("session_revoked missing %s: %+v", bob.sessionID, revoked)
	}
	if err := bNotify.expectClosed(ctx, cfg.Timeout); err != nil {
		return Result{}, err
	}

	return Result{
		SenderID:    alice.userID,
		RecipientID: bob.userID,
		ServerMsgID: ack.ServerMsgID,
		RevokedID:   bob.sessionID,
	}, nil
}

func register(ctx context.Context, cfg Config, base, name string) (account, error) {
	body := map[string]any{
		"email":      fmt.Sprintf("smoke-%s-%s@example.test", name, strings.ToLower(ids.New(time.Now()))),
		"password":   cfg.Password,
		"first_name": name,
		"platform":   "smoke",
	}
	var out struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Session struct {
			SessionID   string `json:"session_id"`
			AccessToken string `json:"access_token"`
		} `json:"session"`
	}
	status, err := doJSON(ctx, cfg, http.MethodPost, base+"/auth/register", "", body, &out)
	if err != nil {
		return account{}, fmt.Errorf("register %s: %w", name, err)
	}
	if status != http.StatusCreated {
		return account{}, fmt.Errorf("register %s: status %d", name, status)
	}
	if out.User.ID == "" || out.Session.AccessToken == "" {
		return account{}, fmt.Errorf("register %s: incomplete response", name)
	}
	return account{
		name:        name,
		userID:      out.User.ID,
		sessionID:   out.Session.SessionID,
		accessToken: out.Session.AccessToken,
	}, nil
}

func logout(ctx context.Context, cfg Config, base string, a account) error {
	status, err := doJSON(ctx, cfg, http.MethodPost, base+"/auth/logout", a.accessToken, nil, nil)
	if err != nil {
		return fmt.Errorf("logout %s: %w", a.name, err)
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("logout %s: status %d", a.name, status)
	}
	return nil
}

func doJSON(ctx context.Context, cfg Config, method, target, bearer string, in, out any) (int, error) {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, method, target, rd)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := cfg.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if out != nil && res.StatusCode < 300 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("decode: %w", err)
		}
	}
	return res.StatusCode, nil
}

func connect(ctx context.Context, cfg Config, base, hub string, a account) (*wsClient, error) {
	name := a.name + "/" + hub
	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(cfg.Origin) != "" {
		h.Set("Origin", cfg.Origin)
	}
	target := wsURL(base) + "/hubs/" + hub + "?access_token=" + url.QueryEscape(a.accessToken)
	conn, resp, err := websocket.Dial(dctx, target, &websocket.DialOptions{
		Subprotocols: []string{realtime.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   cfg.Client,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	if got := conn.Subprotocol(); got != realtime.Subprotocol {
		closeWS(conn)
		return nil, fmt.Errorf("subprotocol mismatch (%s): got=%q want=%q", name, got, realtime.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &wsClient{
		name:  name,
		conn:  conn,
		inbox: make(chan realtime.Envelope, 64),
		errCh: make(chan error, 1),
	}
	go c.readLoop()

	hello, err := newEnvelope(realtime.TypeHello, struct{}{})
	if err != nil {
		closeWS(conn)
		return nil, err
	}
	if err := write(ctx, conn, hello, cfg.Timeout); err != nil {
		closeWS(conn)
		return nil, fmt.Errorf("hello (%s): %w", name, err)
	}
	var ack realtime.HelloAckPayload
	if err := c.expect(ctx, realtime.TypeHelloAck, cfg.Timeout, &ack); err != nil {
		closeWS(conn)
		return nil, err
	}
	if ack.SessionID != a.sessionID || ack.Hub != hub {
		closeWS(conn)
		return nil, fmt.Errorf("hello_ack mismatch (%s): %+v", name, ack)
	}
	return c, nil
}

func (c *wsClient) readLoop() {
	defer close(c.inbox)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.errCh <- err
			return
		}
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.errCh <- fmt.Errorf("bad json: %w", err)
			return
		}
		select {
		case c.inbox <- env:
		default:
			c.errCh <- errors.New("inbox overflow: consumer too slow")
			return
		}
	}
}

// expect waits for the next frame of wantType and decodes its payload into out.
// A server error frame fails immediately.
func (c *wsClient) expect(parent context.Context, wantType string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %q (%s)", wantType, c.name)
		case env, ok := <-c.inbox:
			if !ok {
				return fmt.Errorf("connection closed waiting for %q (%s): %v", wantType, c.name, <-c.errCh)
			}
			switch env.Type {
			case wantType:
				if err := json.Unmarshal(env.Payload, out); err != nil {
					return fmt.Errorf("decode %s payload (%s): %w", wantType, c.name, err)
				}
				return nil
			case realtime.TypeError:
				var ep realtime.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				return fmt.Errorf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

// expectClosed waits for the server to end the connection.
func (c *wsClient) expectClosed(parent context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection (%s) still open after revocation", c.name)
		case _, ok := <-c.inbox:
			if !ok {
				err := <-c.errCh
				if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
					return fmt.Errorf("connection (%s) closed with %v, want policy violation", c.name, err)
				}
				return nil
			}
		}
	}
}

func newEnvelope(typ string, payload any) (realtime.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return realtime.Envelope{}, err
	}
	now := time.Now().UTC()
	return realtime.Envelope{
		V:       realtime.ProtocolVersion,
		Type:    typ,
		ID:      ids.New(now),
		TS:      now,
		Payload: b,
	}, nil
}

func write(parent context.Context, conn *websocket.Conn, env realtime.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	default:
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
}
