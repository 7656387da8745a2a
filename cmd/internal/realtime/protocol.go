package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is embedded into every envelope.
const ProtocolVersion = "v1"

// Envelope types (wire-stable).
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"

	// Chat hub.
	TypeMessageSend = "message_send"
	TypeMessageAck  = "message_ack"
	TypeMessageNew  = "message_new"

	// Notification hub (server -> client only).
	TypeSessionRevoked = "session_revoked"

	TypeError = "error"
)

// Envelope is the wire wrapper for every frame in both directions.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the structure of a client frame.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case "":
		return errors.New("missing field: type")
	case TypeHello, TypeMessageSend:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id"`
	Hub          string `json:"hub"`
}

// MessageSendPayload asks the chat hub to relay Text to RecipientID.
type MessageSendPayload struct {
	RecipientID string `json:"recipient_id"`
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

type MessageAckPayload struct {
	ClientMsgID     string `json:"client_msg_id"`
	ServerMsgID     string `json:"server_msg_id"`
	Delivered       int    `json:"delivered"`
	RecipientOnline bool   `json:"recipient_online"`
}

type MessageNewPayload struct {
	ServerMsgID string    `json:"server_msg_id"`
	ClientMsgID string    `json:"client_msg_id"`
	SenderID    string    `json:"sender_id"`
	Text        string    `json:"text"`
	ServerTS    time.Time `json:"server_ts"`
}

// SessionRevokedPayload tells a client that some of the user's sessions ended.
// Connections belonging to one of SessionIDs are closed right after.
type SessionRevokedPayload struct {
	SessionIDs []string `json:"session_ids"`
	Reason     string   `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
