package api

import (
	"time"

	"avancira/cmd/identity"
	"avancira/cmd/internal/auth/session"
)

type registerRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	RememberMe bool   `json:"remember_me"`
	Platform   string `json:"platform"`
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
	Platform   string `json:"platform"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Platform     string `json:"platform"`
}

type revokeRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeAllRequest struct {
	KeepCurrent bool `json:"keep_current"`
}

type adminRevokeRequest struct {
	Reason string `json:"reason"`
}

type profileRequest struct {
	Profile string `json:"profile"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

type tokenResponse struct {
	SessionID        string    `json:"session_id"`
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	User    userResponse  `json:"user"`
	Session tokenResponse `json:"session"`
}

type meResponse struct {
	User          userResponse `json:"user"`
	SessionID     string       `json:"session_id"`
	ActiveProfile string       `json:"active_profile"`
	Permissions   []string     `json:"permissions"`
}

type profileResponse struct {
	ActiveProfile string    `json:"active_profile"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type deviceSessionResponse struct {
	ID             string    `json:"id"`
	IPAddress      string    `json:"ip_address,omitempty"`
	Country        string    `json:"country,omitempty"`
	City           string    `json:"city,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Current        bool      `json:"current"`
}

type deviceGroupResponse struct {
	DeviceFingerprint string                  `json:"device_fingerprint"`
	Browser           string                  `json:"browser"`
	OperatingSystem   string                  `json:"operating_system"`
	Platform          string                  `json:"platform"`
	LastActivityAt    time.Time               `json:"last_activity_at"`
	Current           bool                    `json:"current"`
	Sessions          []deviceSessionResponse `json:"sessions"`
}

type sessionsResponse struct {
	Devices []deviceGroupResponse `json:"devices"`
}

type revokedResponse struct {
	Revoked []string `json:"revoked"`
}

type adminSessionResponse struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	Browser          string     `json:"browser"`
	OperatingSystem  string     `json:"operating_system"`
	Platform         string     `json:"platform"`
	IPAddress        string     `json:"ip_address,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// oauthTokenResponse is the RFC 6749 token response served by /connect/token.
type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
	Scope        string `json:"scope,omitempty"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func toUserResponse(u identity.User) userResponse {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Roles:     roles,
		CreatedAt: u.CreatedAt,
	}
}

func toTokenResponse(p session.TokenPair) tokenResponse {
	return tokenResponse{
		SessionID:        p.SessionID,
		TokenType:        p.TokenType,
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

func toSessionsResponse(groups []session.DeviceGroup) sessionsResponse {
	out := sessionsResponse{Devices: make([]deviceGroupResponse, 0, len(groups))}
	for _, g := range groups {
		dg := deviceGroupResponse{
			DeviceFingerprint: g.DeviceFingerprint,
			Browser:           g.Browser,
			OperatingSystem:   g.OperatingSystem,
			Platform:          g.Platform,
			LastActivityAt:    g.LastActivityAt,
			Current:           g.Current,
			Sessions:          make([]deviceSessionResponse, 0, len(g.Sessions)),
		}
		for _, s := range g.Sessions {
			dg.Sessions = append(dg.Sessions, deviceSessionResponse{
				ID:             s.ID,
				IPAddress:      s.IPAddress,
				Country:        s.Country,
				City:           s.City,
				CreatedAt:      s.CreatedAt,
				LastActivityAt: s.LastActivityAt,
				ExpiresAt:      s.AbsoluteExpiry,
				Current:        s.Current,
			})
		}
		out.Devices = append(out.Devices, dg)
	}
	return out
}

func toAdminSession(s session.Session) adminSessionResponse {
	out := adminSessionResponse{
		ID:               s.ID,
		Status:           string(s.Status),
		Browser:          s.Browser,
		OperatingSystem:  s.OperatingSystem,
		Platform:         string(s.Platform),
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.LastActivityAt,
		ExpiresAt:        s.AbsoluteExpiry,
		RevokedAt:        s.RevokedAt,
		RevocationReason: s.RevocationReason,
	}
	if s.IPAddress != nil {
		out.IPAddress = s.IPAddress.String()
	}
	return out
}

type refreshResponse struct {
	Session tokenResponse `json:"session"`
}
