package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"avancira/cmd/internal/auth/clientinfo"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (avancira.sessions, avancira.refresh_tokens).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sessionColumns = `
	id, user_id, user_agent, operating_system, browser, platform,
	host(ip_address), country, city, device_fingerprint,
	created_at, absolute_expiry, last_refresh_at, last_activity_at, revoked_at,
	status, revocation_reason, refresh_token_reference_id,
	requires_user_notification, accessed_resource_ids`

const tokenColumns = `
	id, session_id, token_hash, salt, rotated_from_id,
	created_at, absolute_expiry, revoked_at, revoked_reason`

func scanSession(row pgx.Row) (Session, error) {
	var (
		s        Session
		ip       *string
		platform string
		status   string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.UserAgent, &s.OperatingSystem, &s.Browser, &platform,
		&ip, &s.Country, &s.City, &s.DeviceFingerprint,
		&s.CreatedAt, &s.AbsoluteExpiry, &s.LastRefreshAt, &s.LastActivityAt, &s.RevokedAt,
		&status, &s.RevocationReason, &s.RefreshTokenReferenceID,
		&s.RequiresUserNotification, &s.AccessedResourceIDs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s.Platform = clientinfo.ParsePlatform(platform)
	s.Status = Status(status)
	if ip != nil {
		s.IPAddress = net.ParseIP(*ip)
	}
	return s, nil
}

func scanToken(row pgx.Row) (RefreshToken, error) {
	var t RefreshToken
	err := row.Scan(
		&t.ID, &t.SessionID, &t.TokenHash, &t.Salt, &t.RotatedFromID,
		&t.CreatedAt, &t.AbsoluteExpiry, &t.RevokedAt, &t.RevokedReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrSessionNotFound
	}
	return t, err
}

// InTx runs fn inside a read-committed transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
}

// GetSession loads a session row by ID.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM avancira.sessions WHERE id = $1`, sessionID))
}

// ActiveRefreshToken returns the non-revoked token of a session.
func (s *PostgresStore) ActiveRefreshToken(ctx context.Context, sessionID string) (RefreshToken, error) {
	return scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM avancira.refresh_tokens
		 WHERE session_id = $1 AND revoked_at IS NULL`, sessionID))
}

// ListSessions returns a user's sessions, newest activity first.
func (s *PostgresStore) ListSessions(ctx context.Context, userID string, activeOnly bool, now time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM avancira.sessions
		WHERE user_id = $1
		  AND (NOT $2 OR (revoked_at IS NULL AND status = 'active' AND absolute_expiry > $3))
		ORDER BY last_activity_at DESC, id DESC
	`, userID, activeOnly, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Touch records activity; the resource list is de-duplicated.
func (s *PostgresStore) Touch(ctx context.Context, sessionID string, now time.Time, resourceID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE avancira.sessions
		SET last_activity_at = GREATEST(last_activity_at, $2),
		    accessed_resource_ids = CASE
		        WHEN $3 = '' OR $3 = ANY(accessed_resource_ids) THEN accessed_resource_ids
		        ELSE array_append(accessed_resource_ids, $3)
		    END
		WHERE id = $1
	`, sessionID, now, resourceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ExpireDue marks due sessions expired and revokes their tokens in one statement batch.
func (s *PostgresStore) ExpireDue(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	var out []Session
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE avancira.sessions
			SET status = 'expired', revocation_reason = 'expired'
			WHERE id IN (
				SELECT id FROM avancira.sessions
				WHERE status = 'active' AND revoked_at IS NULL AND absolute_expiry <= $1
				ORDER BY absolute_expiry
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+sessionColumns, now, limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (Session, error) { return scanSession(r) })
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		ids := make([]string, len(out))
		for i, sess := range out {
			ids[i] = sess.ID
		}
		_, err = tx.Exec(ctx, `
			UPDATE avancira.refresh_tokens
			SET revoked_at = $2, revoked_reason = 'expired'
			WHERE session_id = ANY($1) AND revoked_at IS NULL
		`, ids, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type pgTx struct{ tx pgx.Tx }

func (t pgTx) CreateSession(ctx context.Context, s Session) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO avancira.sessions (
			id, user_id, user_agent, operating_system, browser, platform,
			ip_address, country, city, device_fingerprint,
			created_at, absolute_expiry, last_refresh_at, last_activity_at,
			status, revocation_reason, refresh_token_reference_id,
			requires_user_notification, accessed_resource_ids
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::inet, $8, $9, $10,
			$11, $12, $13, $14,
			$15, '', $16,
			false, '{}'
		)
	`, s.ID, s.UserID, s.UserAgent, s.OperatingSystem, s.Browser, string(s.Platform),
		ipParam(s.IPAddress), s.Country, s.City, s.DeviceFingerprint,
		s.CreatedAt, s.AbsoluteExpiry, s.LastRefreshAt, s.LastActivityAt,
		string(s.Status), s.RefreshTokenReferenceID)
	if pgIsForeignKeyViolation(err) {
		return fmt.Errorf("session: unknown user %s: %w", s.UserID, ErrInvalidCredentials)
	}
	return err
}

func (t pgTx) InsertRefreshToken(ctx context.Context, rt RefreshToken) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO avancira.refresh_tokens (
			id, session_id, token_hash, salt, rotated_from_id,
			created_at, absolute_expiry, revoked_at, revoked_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, '')
	`, rt.ID, rt.SessionID, rt.TokenHash, rt.Salt, rt.RotatedFromID, rt.CreatedAt, rt.AbsoluteExpiry)
	if pgIsUniqueViolation(err) {
		// refresh_tokens_one_active_per_session
		return ErrRefreshConflict
	}
	return err
}

func (t pgTx) RefreshTokenForUpdate(ctx context.Context, tokenID string) (RefreshToken, error) {
	return scanToken(t.tx.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM avancira.refresh_tokens WHERE id = $1 FOR UPDATE`, tokenID))
}

func (t pgTx) SessionForUpdate(ctx context.Context, sessionID string) (Session, error) {
	return scanSession(t.tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM avancira.sessions WHERE id = $1 FOR UPDATE`, sessionID))
}

func (t pgTx) RevokeRefreshToken(ctx context.Context, tokenID string, now time.Time, reason string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE avancira.refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2),
		    revoked_reason = CASE WHEN revoked_at IS NULL THEN $3 ELSE revoked_reason END
		WHERE id = $1
	`, tokenID, now, reason)
	return err
}

func (t pgTx) UpdateRotation(ctx context.Context, sessionID, newTokenID string, now time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE avancira.sessions
		SET last_refresh_at = $2,
		    last_activity_at = GREATEST(last_activity_at, $2),
		    refresh_token_reference_id = $3
		WHERE id = $1
	`, sessionID, now, newTokenID)
	return err
}

func (t pgTx) RevokeSession(ctx context.Context, sessionID string, now time.Time, reason Reason) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE avancira.sessions
		SET revoked_at = $2, status = $3, revocation_reason = $4,
		    requires_user_notification = requires_user_notification OR $5
		WHERE id = $1 AND revoked_at IS NULL
	`, sessionID, now, string(reason.Status()), string(reason), reason.NotifiesUser())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM avancira.sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrSessionNotFound
		}
		return false, nil
	}
	return true, t.revokeTokens(ctx, []string{sessionID}, now, string(reason))
}

func (t pgTx) RevokeUserSessions(ctx context.Context, userID, exceptSessionID string, now time.Time, reason Reason) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE avancira.sessions
		SET revoked_at = $3, status = $4, revocation_reason = $5,
		    requires_user_notification = requires_user_notification OR $6
		WHERE user_id = $1 AND id <> $2 AND revoked_at IS NULL AND status = 'active'
		RETURNING id
	`, userID, exceptSessionID, now, string(reason.Status()), string(reason), reason.NotifiesUser())
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}
	return ids, t.revokeTokens(ctx, ids, now, string(reason))
}

func (t pgTx) revokeTokens(ctx context.Context, sessionIDs []string, now time.Time, reason string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE avancira.refresh_tokens
		SET revoked_at = $2, revoked_reason = $3
		WHERE session_id = ANY($1) AND revoked_at IS NULL
	`, sessionIDs, now, reason)
	return err
}

func ipParam(ip net.IP) any {
	if ip == nil {
		return nil
	}
	return ip.String()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
