package session

import (
	"context"
	"time"
)

// Store abstracts persistence for sessions and refresh tokens.
//
// Refresh rotation runs inside InTx; implementations must serialize
// concurrent transactions that lock the same token or session.
type Store interface {
	// InTx runs fn in a transaction. fn's error rolls back; nil commits.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetSession(ctx context.Context, sessionID string) (Session, error)

	// ActiveRefreshToken returns the single non-revoked token of a session.
	ActiveRefreshToken(ctx context.Context, sessionID string) (RefreshToken, error)

	// ListSessions returns a user's sessions, newest activity first.
	ListSessions(ctx context.Context, userID string, activeOnly bool, now time.Time) ([]Session, error)

	// Touch records activity and, when resourceID is set, the accessed resource.
	Touch(ctx context.Context, sessionID string, now time.Time, resourceID string) error

	// ExpireDue marks up to limit active sessions past their absolute expiry
	// as expired and revokes their refresh tokens.
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]Session, error)
}

// Tx is the transactional view used by login, rotation and revocation.
type Tx interface {
	CreateSession(ctx context.Context, s Session) error
	InsertRefreshToken(ctx context.Context, t RefreshToken) error

	// RefreshTokenForUpdate loads and locks a token row.
	RefreshTokenForUpdate(ctx context.Context, tokenID string) (RefreshToken, error)
	// SessionForUpdate loads and locks a session row.
	SessionForUpdate(ctx context.Context, sessionID string) (Session, error)

	RevokeRefreshToken(ctx context.Context, tokenID string, now time.Time, reason string) error
	// UpdateRotation records a successful refresh on the session.
	UpdateRotation(ctx context.Context, sessionID, newTokenID string, now time.Time) error

	// RevokeSession revokes one session and its tokens. It reports false when
	// the session was already revoked.
	RevokeSession(ctx context.Context, sessionID string, now time.Time, reason Reason) (bool, error)
	// RevokeUserSessions revokes every active session of userID except one.
	RevokeUserSessions(ctx context.Context, userID, exceptSessionID string, now time.Time, reason Reason) ([]string, error)
}
