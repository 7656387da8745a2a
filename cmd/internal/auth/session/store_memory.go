package session

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
//
// A single mutex is held for the duration of each transaction, which gives
// the same serialization as row locks on one session. On error the state
// is restored from a snapshot.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	tokens   map[string]RefreshToken
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		tokens:   make(map[string]RefreshToken),
	}
}

type memoryTx struct{ s *MemoryStore }

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	sessions := maps.Clone(m.sessions)
	tokens := maps.Clone(m.tokens)

	if err := fn(memoryTx{s: m}); err != nil {
		m.sessions = sessions
		m.tokens = tokens
		return err
	}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) ActiveRefreshToken(_ context.Context, sessionID string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.SessionID == sessionID && t.RevokedAt == nil {
			return t, nil
		}
	}
	return RefreshToken{}, ErrSessionNotFound
}

func (m *MemoryStore) ListSessions(_ context.Context, userID string, activeOnly bool, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		if activeOnly && !s.IsActive(now) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (m *MemoryStore) Touch(_ context.Context, sessionID string, now time.Time, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	if resourceID != "" && !slices.Contains(s.AccessedResourceIDs, resourceID) {
		s.AccessedResourceIDs = append(slices.Clone(s.AccessedResourceIDs), resourceID)
	}
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]Session, 0)
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.RevokedAt == nil && !s.AbsoluteExpiry.After(now) {
			due = append(due, s)
		}
	}
	slices.SortFunc(due, func(a, b Session) int { return a.AbsoluteExpiry.Compare(b.AbsoluteExpiry) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		s := due[i]
		s.Status = StatusExpired
		s.RevocationReason = string(ReasonExpired)
		m.sessions[s.ID] = s
		m.revokeTokensLocked(s.ID, now, string(ReasonExpired))
		due[i] = cloneSession(s)
	}
	return due, nil
}

func (m *MemoryStore) revokeTokensLocked(sessionID string, now time.Time, reason string) {
	for id, t := range m.tokens {
		if t.SessionID == sessionID && t.RevokedAt == nil {
			at := now
			t.RevokedAt = &at
			t.RevokedReason = reason
			m.tokens[id] = t
		}
	}
}

func (tx memoryTx) CreateSession(_ context.Context, s Session) error {
	if _, ok := tx.s.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	tx.s.sessions[s.ID] = cloneSession(s)
	return nil
}

func (tx memoryTx) InsertRefreshToken(_ context.Context, t RefreshToken) error {
	if _, ok := tx.s.sessions[t.SessionID]; !ok {
		return ErrSessionNotFound
	}
	for _, other := range tx.s.tokens {
		if other.SessionID == t.SessionID && other.RevokedAt == nil {
			return ErrRefreshConflict
		}
	}
	tx.s.tokens[t.ID] = t
	return nil
}

func (tx memoryTx) RefreshTokenForUpdate(_ context.Context, tokenID string) (RefreshToken, error) {
	t, ok := tx.s.tokens[tokenID]
	if !ok {
		return RefreshToken{}, ErrSessionNotFound
	}
	return t, nil
}

func (tx memoryTx) SessionForUpdate(_ context.Context, sessionID string) (Session, error) {
	s, ok := tx.s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (tx memoryTx) RevokeRefreshToken(_ context.Context, tokenID string, now time.Time, reason string) error {
	t, ok := tx.s.tokens[tokenID]
	if !ok {
		return ErrSessionNotFound
	}
	if t.RevokedAt == nil {
		at := now
		t.RevokedAt = &at
		t.RevokedReason = reason
		tx.s.tokens[tokenID] = t
	}
	return nil
}

func (tx memoryTx) UpdateRotation(_ context.Context, sessionID, newTokenID string, now time.Time) error {
	s, ok := tx.s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastRefreshAt = now
	s.LastActivityAt = now
	s.RefreshTokenReferenceID = newTokenID
	tx.s.sessions[sessionID] = s
	return nil
}

func (tx memoryTx) RevokeSession(_ context.Context, sessionID string, now time.Time, reason Reason) (bool, error) {
	s, ok := tx.s.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.RevokedAt != nil {
		return false, nil
	}
	tx.s.revokeLocked(&s, now, reason)
	return true, nil
}

func (tx memoryTx) RevokeUserSessions(_ context.Context, userID, exceptSessionID string, now time.Time, reason Reason) ([]string, error) {
	ids := make([]string, 0)
	for id, s := range tx.s.sessions {
		if s.UserID != userID || id == exceptSessionID || s.RevokedAt != nil || s.Status != StatusActive {
			continue
		}
		tx.s.revokeLocked(&s, now, reason)
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MemoryStore) revokeLocked(s *Session, now time.Time, reason Reason) {
	at := now
	s.RevokedAt = &at
	s.Status = reason.Status()
	s.RevocationReason = string(reason)
	if reason.NotifiesUser() {
		s.RequiresUserNotification = true
	}
	m.sessions[s.ID] = *s
	m.revokeTokensLocked(s.ID, now, string(reason))
}

func cloneSession(s Session) Session {
	s.AccessedResourceIDs = slices.Clone(s.AccessedResourceIDs)
	if s.RevokedAt != nil {
		at := *s.RevokedAt
		s.RevokedAt = &at
	}
	return s
}
