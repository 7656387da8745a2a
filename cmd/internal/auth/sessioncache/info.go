package sessioncache

import "time"

// DefaultStaleThreshold is the activity age after which an entry is refreshed.
const DefaultStaleThreshold = 30 * time.Minute

// StatusActive mirrors the session store's active status.
const StatusActive = "active"

// SessionTokenInfo is the cached view of a session used for fast validation.
type SessionTokenInfo struct {
	SessionID             string    `json:"sid"`
	UserID                string    `json:"uid"`
	Status                string    `json:"status"`
	RefreshTokenExpiresAt time.Time `json:"refresh_exp"`
	LastActivityAt        time.Time `json:"last_activity"`
	CachedAt              time.Time `json:"cached_at"`
}

// IsValid reports whether the session may still be used at now.
func (i SessionTokenInfo) IsValid(now time.Time) bool {
	return i.Status == StatusActive && i.RefreshTokenExpiresAt.After(now)
}

// IsStale reports whether activity tracking should be refreshed.
// A non-positive threshold falls back to DefaultStaleThreshold.
func (i SessionTokenInfo) IsStale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return now.Sub(i.LastActivityAt) >= threshold
}
