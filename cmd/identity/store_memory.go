package identity

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"avancira/cmd/identity/ids"
)

// MemoryStore is an in-process Store used when no database is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]User
	byEmail map[string]string
	prefs   map[string]UserPreference
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]User),
		byEmail: make(map[string]string),
		prefs:   make(map[string]UserPreference),
	}
}

func cloneUser(u User) User {
	u.Roles = slices.Clone(u.Roles)
	return u
}

// CreateUser implements Store.
func (m *MemoryStore) CreateUser(_ context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	email := NormalizeEmail(in.Email)
	if email == "" || strings.TrimSpace(in.PasswordHash) == "" {
		return User{}, invalid(op, "email and password hash are required")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[email]; ok {
		return User{}, ConflictError{Op: op, Field: "email"}
	}

	u := User{
		ID:           ids.New(now),
		Email:        email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: in.PasswordHash,
		Roles:        normalizeRoles(in.Roles),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	return cloneUser(u), nil
}

// GetUserByID implements Store.
func (m *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByID", Resource: "user"}
	}
	return cloneUser(u), nil
}

// GetUserByEmail implements Store.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByEmail", Resource: "user"}
	}
	return cloneUser(m.users[id]), nil
}

// UpdatePasswordHash implements Store.
func (m *MemoryStore) UpdatePasswordHash(_ context.Context, userID, hash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return NotFoundError{Op: "identity.UpdatePasswordHash", Resource: "user"}
	}
	u.PasswordHash = hash
	u.UpdatedAt = now
	m.users[userID] = u
	return nil
}

// GrantRole adds role to a user. Used for seeding admins.
func (m *MemoryStore) GrantRole(userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return NotFoundError{Op: "identity.GrantRole", Resource: "user"}
	}
	u.Roles = normalizeRoles(append(u.Roles, role))
	m.users[userID] = u
	return nil
}

// GetPreference implements Store.
func (m *MemoryStore) GetPreference(_ context.Context, userID string) (UserPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[userID]; !ok {
		return UserPreference{}, NotFoundError{Op: "identity.GetPreference", Resource: "user"}
	}
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return UserPreference{UserID: userID, ActiveProfile: ProfileStudent}, nil
}

// SavePreference implements Store.
func (m *MemoryStore) SavePreference(_ context.Context, pref UserPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[pref.UserID]; !ok {
		return NotFoundError{Op: "identity.SavePreference", Resource: "user"}
	}
	m.prefs[pref.UserID] = pref
	return nil
}
