package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"sessiongate/cmd/identity/ids"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*UserAuth
	byNorm map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*UserAuth),
		byNorm: make(map[string]string),
	}
}

// CreateUser stores a new user.
func (m *MemoryStore) CreateUser(_ context.Context, in CreateUserInput) (User, error) {
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
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	norm := NormalizeUsername(username)
	if _, taken := m.byNorm[norm]; taken {
		return User{}, conflict(op, "username")
	}
	u := User{ID: id, Username: username, UsernameNorm: norm, Role: role, Active: in.Active, CreatedAt: now}
	m.byID[id] = &UserAuth{User: u, PasswordHash: in.PasswordHash}
	m.byNorm[norm] = id
	return u, nil
}

// GetUserByID loads a user by id.
func (m *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ua, ok := m.byID[userID]
	if !ok {
		return User{}, notFound("identity.GetUserByID")
	}
	return ua.User, nil
}

// GetUserAuthByUsername loads a user with credentials.
func (m *MemoryStore) GetUserAuthByUsername(_ context.Context, username string) (UserAuth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byNorm[NormalizeUsername(username)]
	if !ok {
		return UserAuth{}, notFound("identity.GetUserAuthByUsername")
	}
	cp := *m.byID[id]
	return cp, nil
}

// SetActive toggles the user's active flag.
func (m *MemoryStore) SetActive(_ context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ua, ok := m.byID[userID]
	if !ok {
		return notFound("identity.SetActive")
	}
	ua.User.Active = active
	return nil
}

// RecordLoginFailure increments the failed-attempt counter.
func (m *MemoryStore) RecordLoginFailure(_ context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ua, ok := m.byID[userID]; ok {
		ua.FailedAttempts++
		t := now
		ua.LastFailedAt = &t
	}
	return nil
}

// ResetLoginFailures clears the failed-attempt counter.
func (m *MemoryStore) ResetLoginFailures(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ua, ok := m.byID[userID]; ok {
		ua.FailedAttempts = 0
		ua.LastFailedAt = nil
	}
	return nil
}

// UpdatePasswordHash replaces the stored hash.
func (m *MemoryStore) UpdatePasswordHash(_ context.Context, userID, hash string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ua, ok := m.byID[userID]
	if !ok {
		return notFound("identity.UpdatePasswordHash")
	}
	ua.PasswordHash = hash
	return nil
}
