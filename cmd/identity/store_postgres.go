package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"avancira/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store never closes it.
// Schema identifiers are validated and quoted.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "avancira").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "avancira"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

const userColumns = `id, email, first_name, last_name, password_hash, roles, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.Roles, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// CreateUser implements Store.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	email := NormalizeEmail(in.Email)
	if email == "" || strings.TrimSpace(in.PasswordHash) == "" {
		return User{}, invalid(op, "email and password hash are required")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	u, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("users")+` (
		     id, email, email_norm, first_name, last_name, password_hash, roles, created_at, updated_at
		 ) VALUES ($1, $2, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING `+userColumns,
		ids.New(now), email, in.FirstName, in.LastName, in.PasswordHash, normalizeRoles(in.Roles), now,
	))
	if err != nil {
		if pgIsUniqueViolation(err) {
			return User{}, ConflictError{Op: op, Field: "email"}
		}
		return User{}, err
	}
	return u, nil
}

// GetUserByID implements Store.
func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.table("users")+` WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: "identity.GetUserByID", Resource: "user"}
	}
	return u, err
}

// GetUserByEmail implements Store.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.table("users")+` WHERE email_norm = $1`, NormalizeEmail(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: "identity.GetUserByEmail", Resource: "user"}
	}
	return u, err
}

// UpdatePasswordHash implements Store.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("users")+` SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		userID, hash, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "identity.UpdatePasswordHash", Resource: "user"}
	}
	return nil
}

// GetPreference implements Store.
func (s *PostgresStore) GetPreference(ctx context.Context, userID string) (UserPreference, error) {
	var (
		active    *string
		updatedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT p.active_profile, p.updated_at
		   FROM `+s.table("users")+` u
		   LEFT JOIN `+s.table("user_preferences")+` p ON p.user_id = u.id
		  WHERE u.id = $1`, userID).Scan(&active, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserPreference{}, NotFoundError{Op: "identity.GetPreference", Resource: "user"}
	}
	if err != nil {
		return UserPreference{}, err
	}

	pref := UserPreference{UserID: userID, ActiveProfile: ProfileStudent}
	if active != nil {
		if p, ok := ParseProfile(*active); ok {
			pref.ActiveProfile = p
		}
	}
	if updatedAt != nil {
		pref.UpdatedAt = *updatedAt
	}
	return pref, nil
}

// SavePreference implements Store.
func (s *PostgresStore) SavePreference(ctx context.Context, pref UserPreference) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("user_preferences")+` (user_id, active_profile, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		   SET active_profile = EXCLUDED.active_profile, updated_at = EXCLUDED.updated_at`,
		pref.UserID, string(pref.ActiveProfile), pref.UpdatedAt)
	if pgIsForeignKeyViolation(err) {
		return NotFoundError{Op: "identity.SavePreference", Resource: "user"}
	}
	return err
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
