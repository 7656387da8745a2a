package session

import (
	"strings"
	"time"

	"avancira/cmd/identity/ids"
	"avancira/cmd/security/token"
)

// maxRefreshTokenLen bounds untrusted input before any parsing or hashing.
const maxRefreshTokenLen = 512

// mintRefreshToken creates a refresh token row and its plain "<id>.<secret>" form.
func (s *Service) mintRefreshToken(now time.Time, sessionID string, expiry time.Time, rotatedFrom *string) (RefreshToken, string, error) {
	secret, err := token.RandomString(s.cfg.RefreshTokenBytes)
	if err != nil {
		return RefreshToken{}, "", err
	}
	salt, err := token.RandomString(16)
	if err != nil {
		return RefreshToken{}, "", err
	}

	rt := RefreshToken{
		ID:             ids.New(now),
		SessionID:      sessionID,
		Salt:           salt,
		TokenHash:      s.hasher.Hash(salt, secret),
		RotatedFromID:  rotatedFrom,
		CreatedAt:      now,
		AbsoluteExpiry: expiry,
	}
	return rt, rt.ID + "." + secret, nil
}

// splitRefreshToken parses the plain token into its row id and secret.
func splitRefreshToken(plain string) (id, secret string, ok bool) {
	plain = strings.TrimSpace(plain)
	if plain == "" || len(plain) > maxRefreshTokenLen {
		return "", "", false
	}
	id, secret, ok = strings.Cut(plain, ".")
	if !ok || secret == "" || !ids.Valid(id) {
		return "", "", false
	}
	return id, secret, true
}
