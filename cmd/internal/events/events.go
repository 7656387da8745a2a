// Package events carries session lifecycle notifications between instances.
//
// A single-node deployment uses MemoryBus. With NATS configured every
// instance publishes and subscribes on the same subject, so cache eviction
// and hub disconnects happen cluster-wide.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SubjectSessionRevoked is the subject used for SessionRevoked events.
const SubjectSessionRevoked = "avancira.session.revoked"

// SessionRevoked is emitted after a revocation commits.
type SessionRevoked struct {
	UserID                   string    `json:"user_id"`
	SessionIDs               []string  `json:"session_ids"`
	Reason                   string    `json:"reason"`
	Status                   string    `json:"status"`
	RequiresUserNotification bool      `json:"requires_user_notification,omitempty"`
	At                       time.Time `json:"at"`
}

// Handler processes a delivered event. Handlers must be idempotent.
type Handler func(ctx context.Context, ev SessionRevoked)

// Publisher emits session events.
type Publisher interface {
	PublishSessionRevoked(ctx context.Context, ev SessionRevoked) error
}

// Bus is a Publisher that also delivers events to local subscribers.
type Bus interface {
	Publisher
	SubscribeSessionRevoked(h Handler) (unsubscribe func(), err error)
	Close() error
}

var errMalformed = errors.New("events: malformed payload")

func encode(ev SessionRevoked) ([]byte, error) {
	return json.Marshal(ev)
}

func decode(data []byte) (SessionRevoked, error) {
	var ev SessionRevoked
	if err := json.Unmarshal(data, &ev); err != nil {
		return SessionRevoked{}, errors.Join(errMalformed, err)
	}
	if ev.UserID == "" || len(ev.SessionIDs) == 0 {
		return SessionRevoked{}, errMalformed
	}
	return ev, nil
}
