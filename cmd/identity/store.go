package identity

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Role names granted to users.
const (
	RoleStudent = "student"
	RoleTutor   = "tutor"
	RoleAdmin   = "admin"
)

// Profile is the dashboard a user is currently acting as.
type Profile string

// Profiles a user can switch between.
const (
	ProfileStudent Profile = "student"
	ProfileTutor   Profile = "tutor"
	ProfileAdmin   Profile = "admin"
)

// ParseProfile maps a wire value to a Profile.
func ParseProfile(s string) (Profile, bool) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case ProfileStudent:
		return ProfileStudent, true
	case ProfileTutor:
		return ProfileTutor, true
	case ProfileAdmin:
		return ProfileAdmin, true
	default:
		return "", false
	}
}

// User is Avancira's security principal.
// PasswordHash is an encoded Argon2id hash and is never serialized to clients.
type User struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasRole reports whether the user carries role.
func (u User) HasRole(role string) bool { return slices.Contains(u.Roles, role) }

// IsAdmin reports whether the user may act as an administrator.
func (u User) IsAdmin() bool { return u.HasRole(RoleAdmin) }

// UserPreference stores the user's active dashboard profile.
type UserPreference struct {
	UserID        string
	ActiveProfile Profile
	UpdatedAt     time.Time
}

// CreateUserInput is the persisted shape of a registration.
// PasswordHash must already be hashed by the caller.
type CreateUserInput struct {
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	Roles        []string
	Now          time.Time
}

// Store is the identity persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error

	// GetPreference returns the stored preference or a student default when none exists.
	GetPreference(ctx context.Context, userID string) (UserPreference, error)
	SavePreference(ctx context.Context, pref UserPreference) error
}
