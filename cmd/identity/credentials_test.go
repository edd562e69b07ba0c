package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"sessiongate/cmd/security/password"
)

func fastPasswordConfig() password.Config {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	cfg.Policy.MinLength = 8
	return cfg
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *MemoryStore) {
	t.Helper()

	st := NewMemoryStore()
	a, err := NewAuthenticator(st, fastPasswordConfig(), nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a, st
}

func TestAuthenticate_Succeeds(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthenticator(t)
	now := time.Now().UTC()

	u, err := a.Register(ctx, "Alice", "correct horse battery", RoleAdmin, now)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := a.Authenticate(ctx, "  alice ", "correct horse battery", now)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != u.ID || got.Role != RoleAdmin {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestAuthenticate_WrongPasswordCountsFailure(t *testing.T) {
	ctx := context.Background()
	a, st := newTestAuthenticator(t)
	now := time.Now().UTC()

	if _, err := a.Register(ctx, "bob", "correct horse battery", RoleUser, now); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := a.Authenticate(ctx, "bob", "wrong password", now)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	ua, _ := st.GetUserAuthByUsername(ctx, "bob")
	if ua.FailedAttempts != 1 || ua.LastFailedAt == nil {
		t.Fatalf("expected one recorded failure, got %+v", ua)
	}

	if _, err := a.Authenticate(ctx, "bob", "correct horse battery", now); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	ua, _ = st.GetUserAuthByUsername(ctx, "bob")
	if ua.FailedAttempts != 0 {
		t.Fatalf("expected counter reset, got %d", ua.FailedAttempts)
	}
}

func TestAuthenticate_UnknownUserLooksLikeBadPassword(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	_, err := a.Authenticate(context.Background(), "nobody", "whatever-password", time.Now())
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuthenticate_Inactive(t *testing.T) {
	ctx := context.Background()
	a, st := newTestAuthenticator(t)
	now := time.Now().UTC()

	u, err := a.Register(ctx, "carol", "correct horse battery", RoleUser, now)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := st.SetActive(ctx, u.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	_, err = a.Authenticate(ctx, "carol", "correct horse battery", now)
	if !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestAuthenticate_RehashesWeakHash(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	now := time.Now().UTC()

	weak := fastPasswordConfig()
	h, err := weak.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if _, err := st.CreateUser(ctx, CreateUserInput{Username: "dave", PasswordHash: h, Active: true, Now: now}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	strong := weak
	strong.Params.Iterations = 2
	a, err := NewAuthenticator(st, strong, nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	if _, err := a.Authenticate(ctx, "dave", "correct horse battery", now); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	ua, _ := st.GetUserAuthByUsername(ctx, "dave")
	if ua.PasswordHash == h {
		t.Fatalf("expected hash upgrade")
	}
	if strong.NeedsRehash(ua.PasswordHash) {
		t.Fatalf("upgraded hash still weak")
	}
}

func TestMemoryStore_UsernameConflict(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	in := CreateUserInput{Username: "Navid", PasswordHash: "x", Active: true}
	if _, err := st.CreateUser(ctx, in); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	in.Username = "nAvId"
	if _, err := st.CreateUser(ctx, in); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
