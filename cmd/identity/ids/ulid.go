// Package ids mints the ULID identifiers used for users, sessions and refresh tokens.
package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a 26-char ULID stamped with now.
// Entropy comes from ulid.DefaultEntropy, which is safe for concurrent use.
func New(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// Valid reports whether s is a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
