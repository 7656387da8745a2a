package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrTokenNotFound is returned when no token set is stored under a key.
var ErrTokenNotFound = errors.New("cached token not found")

// CachedAccessToken is the BFF's server-held token set for one browser session.
type CachedAccessToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
	SessionID    string    `json:"session_id"`
	Scope        string    `json:"scope,omitempty"`
}

// ExpiresWithin reports whether the access token expires within d of now.
func (t CachedAccessToken) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !t.Expiry.After(now.Add(d))
}

// TokenStore keeps CachedAccessToken values keyed by opaque cookie value.
type TokenStore struct {
	backend Backend
	prefix  string
}

// NewTokenStore returns a TokenStore using namespace to separate keys.
func NewTokenStore(backend Backend, namespace string) *TokenStore {
	if namespace == "" {
		namespace = "bff"
	}
	return &TokenStore{backend: backend, prefix: keyPrefix + namespace + ":"}
}

func (s *TokenStore) Put(ctx context.Context, key string, tok CachedAccessToken, ttl time.Duration) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, s.prefix+key, raw, ttl)
}

func (s *TokenStore) Get(ctx context.Context, key string) (CachedAccessToken, error) {
	raw, ok, err := s.backend.Get(ctx, s.prefix+key)
	if err != nil {
		return CachedAccessToken{}, err
	}
	if !ok {
		return CachedAccessToken{}, ErrTokenNotFound
	}
	var tok CachedAccessToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return CachedAccessToken{}, err
	}
	return tok, nil
}

func (s *TokenStore) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, s.prefix+key)
}

// PutValue stores an arbitrary JSON value (pending login state, authorization codes).
func (s *TokenStore) PutValue(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, s.prefix+key, raw, ttl)
}

// TakeValue loads and removes a value stored with PutValue. It reports false when absent.
func (s *TokenStore) TakeValue(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.backend.Take(ctx, s.prefix+key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}
