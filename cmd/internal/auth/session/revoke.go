package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"avancira/cmd/internal/events"
)

// SecurityNotifier tells a user that sessions were revoked for security reasons.
type SecurityNotifier interface {
	NotifySessionsRevoked(ctx context.Context, userID string, sessionIDs []string, reason Reason) error
}

// LogNotifier records security notifications in the log. Used when no mailer is wired.
type LogNotifier struct{ Log *slog.Logger }

func (n LogNotifier) NotifySessionsRevoked(_ context.Context, userID string, sessionIDs []string, reason Reason) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("security.notify", "user_id", userID, "sessions", len(sessionIDs), "reason", string(reason))
	return nil
}

// RevokeSession revokes one session and its refresh token. Revoking an
// already revoked session is a no-op.
func (s *Service) RevokeSession(ctx context.Context, now time.Time, sessionID string, reason Reason) error {
	var userID string
	var revoked bool
	err := s.store.InTx(ctx, func(tx Tx) error {
		sess, err := tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		userID = sess.UserID
		revoked, err = tx.RevokeSession(ctx, sessionID, now, reason)
		return err
	})
	if err != nil {
		return err
	}
	if !revoked {
		s.cache.Invalidate(ctx, sessionID)
		return nil
	}
	s.afterRevoke(ctx, now, userID, []string{sessionID}, reason)
	return nil
}

// RevokeSessionForUser revokes sessionID only if it belongs to userID.
// Foreign sessions are reported as not found.
func (s *Service) RevokeSessionForUser(ctx context.Context, now time.Time, userID, sessionID string, reason Reason) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return ErrSessionNotFound
	}
	return s.RevokeSession(ctx, now, sessionID, reason)
}

// RevokeAll revokes every active session of userID except exceptSessionID
// ("log out everywhere else"). An empty exceptSessionID revokes all.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID, exceptSessionID string) ([]string, error) {
	return s.RevokeAllWithReason(ctx, now, userID, exceptSessionID, ReasonLogoutAll)
}

// RevokeAllWithReason is RevokeAll with an explicit reason (admin, security).
func (s *Service) RevokeAllWithReason(ctx context.Context, now time.Time, userID, exceptSessionID string, reason Reason) ([]string, error) {
	var ids []string
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.RevokeUserSessions(ctx, userID, exceptSessionID, now, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterRevoke(ctx, now, userID, ids, reason)
	return ids, nil
}

// RevokeByRefreshToken ends the session owning a refresh token (logout).
// Unknown or mismatched tokens are ignored so callers cannot probe tokens.
func (s *Service) RevokeByRefreshToken(ctx context.Context, now time.Time, plain string) error {
	tokenID, secret, ok := splitRefreshToken(plain)
	if !ok {
		return nil
	}
	var (
		userID    string
		sessionID string
		revoked   bool
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		rt, err := tx.RefreshTokenForUpdate(ctx, tokenID)
		if err != nil {
			return err
		}
		if !s.hasher.Equal(rt.TokenHash, rt.Salt, secret) {
			return ErrSessionNotFound
		}
		sess, err := tx.SessionForUpdate(ctx, rt.SessionID)
		if err != nil {
			return err
		}
		userID, sessionID = sess.UserID, sess.ID
		revoked, err = tx.RevokeSession(ctx, sess.ID, now, ReasonLogout)
		return err
	})
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if revoked {
		s.afterRevoke(ctx, now, userID, []string{sessionID}, ReasonLogout)
	}
	return nil
}

// afterRevoke runs the post-commit side effects of a revocation.
// Failures here are logged; the revocation itself is already durable.
func (s *Service) afterRevoke(ctx context.Context, now time.Time, userID string, sessionIDs []string, reason Reason) {
	if len(sessionIDs) == 0 {
		return
	}
	s.cache.Invalidate(ctx, sessionIDs...)

	if s.metrics != nil {
		for range sessionIDs {
			s.metrics.Revocation(string(reason))
		}
	}
	s.log.Info("session.revoke",
		"user_id", userID,
		"sessions", len(sessionIDs),
		"reason", string(reason),
		"status", string(reason.Status()),
	)

	if s.events != nil {
		ev := events.SessionRevoked{
			UserID:                   userID,
			SessionIDs:               sessionIDs,
			Reason:                   string(reason),
			Status:                   string(reason.Status()),
			RequiresUserNotification: reason.NotifiesUser(),
			At:                       now,
		}
		if err := s.events.PublishSessionRevoked(ctx, ev); err != nil {
			s.log.Warn("session.revoke.publish_fail", "user_id", userID, "err", err)
		}
	}

	if reason.NotifiesUser() {
		if err := s.notifier.NotifySessionsRevoked(ctx, userID, sessionIDs, reason); err != nil {
			s.log.Warn("security.notify.fail", "user_id", userID, "err", err)
		}
	}
}
