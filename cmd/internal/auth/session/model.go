package session

import (
	"net"
	"time"

	"avancira/cmd/internal/auth/clientinfo"
	"avancira/cmd/internal/auth/sessioncache"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive                     Status = "active"
	StatusExpired                    Status = "expired"
	StatusRevoked                    Status = "revoked"
	StatusRevokedBySecurityEvent     Status = "revoked_by_security_event"
	StatusRevokedByTokenInvalidation Status = "revoked_by_token_invalidation"
)

// Reason explains why a session was revoked.
type Reason string

const (
	ReasonLogout            Reason = "logout"
	ReasonUser              Reason = "user"
	ReasonLogoutAll         Reason = "logout_all"
	ReasonAdmin             Reason = "admin"
	ReasonSecurity          Reason = "security"
	ReasonReuseDetected     Reason = "refresh_reuse"
	ReasonTokenInvalidation Reason = "token_invalidation"
	ReasonExpired           Reason = "expired"
)

// reasonRotated marks refresh tokens retired by rotation.
const reasonRotated = "rotated"

// ParseReason maps user input to a Reason. Unknown values fall back to ReasonUser.
func ParseReason(s string) Reason {
	switch r := Reason(s); r {
	case ReasonLogout, ReasonUser, ReasonLogoutAll, ReasonAdmin, ReasonSecurity,
		ReasonReuseDetected, ReasonTokenInvalidation, ReasonExpired:
		return r
	default:
		return ReasonUser
	}
}

// Status returns the terminal status a revocation with r leaves behind.
func (r Reason) Status() Status {
	switch r {
	case ReasonSecurity, ReasonReuseDetected:
		return StatusRevokedBySecurityEvent
	case ReasonTokenInvalidation:
		return StatusRevokedByTokenInvalidation
	case ReasonExpired:
		return StatusExpired
	default:
		return StatusRevoked
	}
}

// NotifiesUser reports whether the account owner must be told about the revocation.
func (r Reason) NotifiesUser() bool {
	return r == ReasonSecurity || r == ReasonReuseDetected
}

// Session is one logged-in device. Rows are never deleted.
type Session struct {
	ID                       string
	UserID                   string
	UserAgent                string
	OperatingSystem          string
	Browser                  string
	Platform                 clientinfo.Platform
	IPAddress                net.IP
	Country                  string
	City                     string
	DeviceFingerprint        string
	CreatedAt                time.Time
	AbsoluteExpiry           time.Time
	LastRefreshAt            time.Time
	LastActivityAt           time.Time
	RevokedAt                *time.Time
	Status                   Status
	RevocationReason         string
	RefreshTokenReferenceID  string
	RequiresUserNotification bool
	AccessedResourceIDs      []string
}

// IsActive reports whether the session may be used at now.
func (s Session) IsActive(now time.Time) bool {
	return s.RevokedAt == nil && s.Status == StatusActive && s.AbsoluteExpiry.After(now)
}

// check returns the error that explains why s is unusable at now, or nil.
func (s Session) check(now time.Time) error {
	switch {
	case s.RevokedAt != nil || (s.Status != StatusActive && s.Status != StatusExpired):
		return ErrSessionRevoked
	case s.Status == StatusExpired || !s.AbsoluteExpiry.After(now):
		return ErrSessionExpired
	default:
		return nil
	}
}

// TokenInfo projects s into a cache entry. The refresh token shares the
// session's absolute expiry, so the projection agrees with IsActive.
func (s Session) TokenInfo() sessioncache.SessionTokenInfo {
	return sessioncache.SessionTokenInfo{
		SessionID:             s.ID,
		UserID:                s.UserID,
		Status:                string(s.Status),
		RefreshTokenExpiresAt: s.AbsoluteExpiry,
		LastActivityAt:        s.LastActivityAt,
	}
}

// RefreshToken is a stored, hashed refresh credential.
type RefreshToken struct {
	ID             string
	SessionID      string
	TokenHash      string
	Salt           string
	RotatedFromID  *string
	CreatedAt      time.Time
	AbsoluteExpiry time.Time
	RevokedAt      *time.Time
	RevokedReason  string
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	SessionID        string
	UserID           string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	TokenType        string
}

func newSession(id, userID string, info clientinfo.Info, now, expiry time.Time) Session {
	return Session{
		ID:                id,
		UserID:            userID,
		UserAgent:         info.UserAgent,
		OperatingSystem:   info.OperatingSystem,
		Browser:           info.Browser,
		Platform:          info.Platform,
		IPAddress:         info.IP,
		Country:           info.Country,
		City:              info.City,
		DeviceFingerprint: info.Fingerprint(),
		CreatedAt:         now,
		AbsoluteExpiry:    expiry,
		LastRefreshAt:     now,
		LastActivityAt:    now,
		Status:            StatusActive,
	}
}
