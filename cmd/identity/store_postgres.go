package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"sessiongate/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema identifiers are validated and quoted.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "sg").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "sg"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// CreateUser inserts the user and its credentials in one transaction.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	username := strings.TrimSpace(in.Username)
	if username == "" {
		return User{}, invalid(op, "username is required")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return User{}, invalid(op, "password hash is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	role := in.Role
	if role == "" {
		role = RoleUser
	}

	userID, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u := User{
		ID:           userID,
		Username:     username,
		UsernameNorm: NormalizeUsername(username),
		Role:         role,
		Active:       in.Active,
		CreatedAt:    now,
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.table("users")+` (
		     id, username, username_norm, role, is_active, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		u.ID, u.Username, u.UsernameNorm, string(u.Role), u.Active, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, conflict(op, field)
		}
		return User{}, fmt.Errorf("%s: insert user: %w", op, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.table("user_credentials")+` (user_id, password_hash, failed_attempts, created_at, updated_at)
		 VALUES ($1, $2, 0, $3, $3)`,
		u.ID, in.PasswordHash, now,
	)
	if err != nil {
		return User{}, fmt.Errorf("%s: insert credentials: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUserByID loads a user by id.
func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUserByID"

	var u User
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, username_norm, role, is_active, created_at
		FROM `+s.table("users")+`
		WHERE id = $1
	`, userID).Scan(&u.ID, &u.Username, &u.UsernameNorm, &role, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound(op)
	}
	if err != nil {
		return User{}, err
	}
	u.Role = Role(role)
	return u, nil
}

// GetUserAuthByUsername loads a user together with its credentials.
func (s *PostgresStore) GetUserAuthByUsername(ctx context.Context, username string) (UserAuth, error) {
	const op = "identity.GetUserAuthByUsername"

	norm := NormalizeUsername(username)
	if norm == "" {
		return UserAuth{}, notFound(op)
	}

	var ua UserAuth
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, u.username, u.username_norm, u.role, u.is_active, u.created_at,
		       c.password_hash, c.failed_attempts, c.last_failed_at
		FROM `+s.table("users")+` u
		JOIN `+s.table("user_credentials")+` c ON c.user_id = u.id
		WHERE u.username_norm = $1
	`, norm).Scan(
		&ua.User.ID,
		&ua.User.Username,
		&ua.User.UsernameNorm,
		&role,
		&ua.User.Active,
		&ua.User.CreatedAt,
		&ua.PasswordHash,
		&ua.FailedAttempts,
		&ua.LastFailedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserAuth{}, notFound(op)
	}
	if err != nil {
		return UserAuth{}, err
	}
	ua.User.Role = Role(role)
	return ua, nil
}

// SetActive toggles the user's active flag.
func (s *PostgresStore) SetActive(ctx context.Context, userID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table("users")+`
		SET is_active = $2, updated_at = now()
		WHERE id = $1
	`, userID, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("identity.SetActive")
	}
	return nil
}

// RecordLoginFailure increments the failed-attempt counter.
func (s *PostgresStore) RecordLoginFailure(ctx context.Context, userID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table("user_credentials")+`
		SET failed_attempts = failed_attempts + 1,
		    last_failed_at = $2,
		    updated_at = $2
		WHERE user_id = $1
	`, userID, now)
	return err
}

// ResetLoginFailures clears the failed-attempt counter.
func (s *PostgresStore) ResetLoginFailures(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table("user_credentials")+`
		SET failed_attempts = 0, last_failed_at = NULL, updated_at = now()
		WHERE user_id = $1
	`, userID)
	return err
}

// UpdatePasswordHash replaces the stored password hash.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table("user_credentials")+`
		SET password_hash = $2, updated_at = $3
		WHERE user_id = $1
	`, userID, hash, now)
	return err
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_username_norm", strings.Contains(c, "username"):
		return "username", true
	default:
		return "unique", true
	}
}
