package session

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"
)

// Subject identifies who an access token is issued to.
type Subject struct {
	UserID    string
	SessionID string
	Roles     []string
}

// AccessClaims is the minimal identity envelope propagated across HTTP/WS.
type AccessClaims struct {
	UserID    string
	SessionID string
	Roles     []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
	TokenID   string
}

// HasRole reports whether the token carries role.
func (c AccessClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AccessTokenManager issues and verifies short-lived access tokens.
type AccessTokenManager interface {
	Issue(sub Subject, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	PublicKeyHex() string
}

// NewAccessTokenManager builds the manager selected by cfg.AccessTokenFormat.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	switch cfg.AccessTokenFormat {
	case FormatPaseto:
		return NewPasetoV4PublicManager(cfg)
	case FormatJWT, "":
		return NewJWTManager(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown access token format %q", ErrConfig, cfg.AccessTokenFormat)
	}
}

func signingKey(cfg Config) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(cfg.SigningKeyHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrConfig
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
