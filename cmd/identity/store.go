package identity

import (
	"context"
	"time"
)

// Role is the coarse authorization role carried in access tokens.
type Role string

const (
	// RoleUser is the default role.
	RoleUser Role = "user"
	// RoleAdmin may call operational endpoints such as on-demand cleanup.
	RoleAdmin Role = "admin"
)

// User is the credential-store principal.
type User struct {
	ID           string
	Username     string
	UsernameNorm string
	Role         Role
	Active       bool
	CreatedAt    time.Time
}

// UserAuth is a User plus the secrets needed to authenticate them.
type UserAuth struct {
	User           User
	PasswordHash   string
	FailedAttempts int
	LastFailedAt   *time.Time
}

// CreateUserInput describes a new user. PasswordHash is an encoded Argon2id hash.
type CreateUserInput struct {
	Username     string
	PasswordHash string
	Role         Role
	Active       bool
	Now          time.Time
}

// Store is the credential persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	GetUserAuthByUsername(ctx context.Context, username string) (UserAuth, error)

	// SetActive toggles whether the user may sign in.
	SetActive(ctx context.Context, userID string, active bool) error

	// RecordLoginFailure increments the failed-attempt counter.
	RecordLoginFailure(ctx context.Context, userID string, now time.Time) error
	// ResetLoginFailures clears the counter after a successful login.
	ResetLoginFailures(ctx context.Context, userID string) error

	// UpdatePasswordHash replaces the stored hash (used for transparent rehash on login).
	UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error
}
