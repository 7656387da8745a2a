package realtime

import (
	"time"

	"avancira/cmd/identity/ids"
)

// NewConnectionID returns a ULID identifying one websocket connection.
func NewConnectionID(now time.Time) string {
	return ids.New(now)
}

// NewEnvelopeID returns a ULID used for envelope and server message ids.
// ULIDs sort by time, which keeps client logs readable.
func NewEnvelopeID(now time.Time) string {
	return ids.New(now)
}
