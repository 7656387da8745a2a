package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"avancira/cmd/security/password"
)

// Service implements registration, credential checks and profile switching.
type Service struct {
	store Store
	pw    password.Config
	log   *slog.Logger
}

// NewService constructs an identity Service.
func NewService(store Store, pw password.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, pw: pw, log: log}
}

// RegisterInput is a registration request.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Roles     []string
}

// Register creates a user with a hashed password. New users always get the student role.
func (s *Service) Register(ctx context.Context, now time.Time, in RegisterInput) (User, error) {
	const op = "identity.Register"

	email := NormalizeEmail(in.Email)
	if email == "" || !ValidEmail(email) {
		return User{}, invalid(op, "a valid email is required")
	}

	hash, err := s.pw.Hash(in.Password)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) ||
			errors.Is(err, password.ErrPasswordTooLong) ||
			errors.Is(err, password.ErrWeakPassword) {
			return User{}, invalid(op, err.Error())
		}
		return User{}, err
	}

	roles := normalizeRoles(append([]string{RoleStudent}, in.Roles...))

	return s.store.CreateUser(ctx, CreateUserInput{
		Email:        email,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PasswordHash: hash,
		Roles:        roles,
		Now:          now,
	})
}

// Authenticate checks email/password and returns the user.
// Unknown email and wrong password both yield ErrInvalidCredentials after equal work.
func (s *Service) Authenticate(ctx context.Context, now time.Time, email, pw string) (User, error) {
	const op = "identity.Authenticate"

	email = NormalizeEmail(email)
	if email == "" || pw == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if IsNotFound(err) {
			s.pw.VerifyDummy(pw)
			return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
		}
		return User{}, err
	}

	ok, err := s.pw.Verify(u.PasswordHash, pw)
	if err != nil || !ok {
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	if s.pw.NeedsRehash(u.PasswordHash) {
		if h, err := s.pw.Hash(pw); err == nil {
			if err := s.store.UpdatePasswordHash(ctx, u.ID, h, now); err != nil {
				s.log.Warn("identity.rehash.fail", "user_id", u.ID, "err", err)
			}
		}
	}
	return u, nil
}

// User loads a user by ID.
func (s *Service) User(ctx context.Context, userID string) (User, error) {
	return s.store.GetUserByID(ctx, userID)
}

// Preference returns the user's active profile.
func (s *Service) Preference(ctx context.Context, userID string) (UserPreference, error) {
	return s.store.GetPreference(ctx, userID)
}

// SwitchProfile changes the active profile. Switching to admin requires the admin role.
func (s *Service) SwitchProfile(ctx context.Context, now time.Time, userID string, p Profile) (UserPreference, error) {
	const op = "identity.SwitchProfile"

	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return UserPreference{}, err
	}
	if p == ProfileAdmin && !u.IsAdmin() {
		return UserPreference{}, OpError{Op: op, Kind: ErrForbidden, Msg: "admin role required"}
	}

	pref := UserPreference{UserID: userID, ActiveProfile: p, UpdatedAt: now}
	if err := s.store.SavePreference(ctx, pref); err != nil {
		return UserPreference{}, err
	}
	return pref, nil
}
