package sessioncache

import (
	"context"
	"time"
)

// Backend is a byte-oriented key/value store with per-key TTLs.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Take returns and removes the value atomically.
	Take(ctx context.Context, key string) ([]byte, bool, error)
}

const keyPrefix = "avancira:"

func sessionKey(sessionID string) string { return keyPrefix + "session:" + sessionID }
