package identity

import (
	"context"
	"log/slog"
	"time"

	"sessiongate/cmd/security/password"
)

// Authenticator checks username/password pairs against a Store.
//
// Unknown users still cost one Argon2id verification against a dummy hash so
// response time does not reveal which usernames exist.
type Authenticator struct {
	store     Store
	pw        password.Config
	log       *slog.Logger
	dummyHash string
}

// NewAuthenticator builds an Authenticator with the given password config.
func NewAuthenticator(store Store, pw password.Config, log *slog.Logger) (*Authenticator, error) {
	if log == nil {
		log = slog.Default()
	}
	// The dummy hash only has to be well formed; it is exempt from policy.
	relaxed := pw
	relaxed.Policy = password.Policy{MinLength: 1, MaxLength: pw.Policy.MaxLength}
	dummy, err := relaxed.Hash("sessiongate-timing-only")
	if err != nil {
		return nil, err
	}
	return &Authenticator{store: store, pw: pw, log: log, dummyHash: dummy}, nil
}

// HashPassword applies the password policy and returns an encoded hash.
func (a *Authenticator) HashPassword(plain string) (string, error) {
	return a.pw.Hash(plain)
}

// Authenticate returns the user when the credentials match.
//
// Errors: ErrNotFound for unknown username or wrong password (indistinguishable),
// ErrInactive for a deactivated account with correct credentials. Anything else
// is an infrastructure failure.
func (a *Authenticator) Authenticate(ctx context.Context, username, plain string, now time.Time) (User, error) {
	const op = "identity.Authenticate"

	ua, err := a.store.GetUserAuthByUsername(ctx, username)
	if err != nil {
		if IsNotFound(err) {
			_, _ = a.pw.Verify(a.dummyHash, plain)
			return User{}, notFound(op)
		}
		return User{}, err
	}

	ok, err := a.pw.Verify(ua.PasswordHash, plain)
	if err != nil || !ok {
		if rerr := a.store.RecordLoginFailure(ctx, ua.User.ID, now); rerr != nil {
			a.log.Error("identity.login_failure.record.fail", "err", rerr, "user_id", ua.User.ID)
		}
		return User{}, notFound(op)
	}

	if !ua.User.Active {
		return User{}, inactive(op)
	}

	if ua.FailedAttempts > 0 {
		if err := a.store.ResetLoginFailures(ctx, ua.User.ID); err != nil {
			a.log.Error("identity.login_failure.reset.fail", "err", err, "user_id", ua.User.ID)
		}
	}

	if a.pw.NeedsRehash(ua.PasswordHash) {
		if h, err := a.pw.Hash(plain); err == nil {
			if err := a.store.UpdatePasswordHash(ctx, ua.User.ID, h, now); err != nil {
				a.log.Warn("identity.rehash.fail", "err", err, "user_id", ua.User.ID)
			}
		}
	}

	return ua.User, nil
}

// Register hashes plain under the current policy and creates an active user.
func (a *Authenticator) Register(ctx context.Context, username, plain string, role Role, now time.Time) (User, error) {
	const op = "identity.Register"

	if NormalizeUsername(username) == "" {
		return User{}, invalid(op, "username is required")
	}
	h, err := a.pw.Hash(plain)
	if err != nil {
		return User{}, invalid(op, err.Error())
	}
	return a.store.CreateUser(ctx, CreateUserInput{
		Username:     username,
		PasswordHash: h,
		Role:         role,
		Active:       true,
		Now:          now,
	})
}
