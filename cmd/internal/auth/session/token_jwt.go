package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType separates the three token kinds signed with the same key.
type TokenType string

const (
	TokenAccess       TokenType = "access"
	TokenRefresh      TokenType = "refresh"
	TokenPendingLogin TokenType = "pending_login"
)

// Claims is the payload of every token issued here.
type Claims struct {
	UserID  string    `json:"uid"`
	TokenID string    `json:"tid,omitempty"`
	Role    string    `json:"role,omitempty"`
	Type    TokenType `json:"typ"`

	// SessionIDs lists the sessions a pending-login ticket may terminate.
	SessionIDs []string `json:"sids,omitempty"`

	jwt.RegisteredClaims
}

// AccessClaims is the identity envelope handed to authenticated handlers.
type AccessClaims struct {
	UserID    string
	TokenID   string
	SessionID string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// JWTManager signs and parses HS256 tokens.
type JWTManager struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	pendingTTL time.Duration
	skew       time.Duration
}

// NewJWTManager builds a JWTManager from a validated Config.
func NewJWTManager(cfg Config) (*JWTManager, error) {
	if len(cfg.JWTSecret) < minJWTSecretBytes || cfg.Issuer == "" {
		return nil, ErrConfig
	}
	return &JWTManager{
		secret:     append([]byte(nil), cfg.JWTSecret...),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		pendingTTL: cfg.PendingLoginTTL,
		skew:       cfg.ClockSkew,
	}, nil
}

// IssueAccess signs a short-lived access token.
func (m *JWTManager) IssueAccess(userID, tokenID, role string, now time.Time) (string, time.Time, error) {
	return m.issue(Claims{UserID: userID, TokenID: tokenID, Role: role, Type: TokenAccess}, now, m.accessTTL)
}

// IssueRefresh signs a refresh token. Each call yields a distinct token (fresh jti)
// so rotations never collide on the stored digest.
func (m *JWTManager) IssueRefresh(userID, tokenID, role string, now time.Time) (string, time.Time, error) {
	return m.issue(Claims{UserID: userID, TokenID: tokenID, Role: role, Type: TokenRefresh}, now, m.refreshTTL)
}

// IssuePendingLogin signs the ticket that authorizes terminating one of
// sessionIDs before a retried login. Its jti is the single-use key.
func (m *JWTManager) IssuePendingLogin(userID string, sessionIDs []string, now time.Time) (string, time.Time, error) {
	return m.issue(Claims{UserID: userID, Type: TokenPendingLogin, SessionIDs: sessionIDs}, now, m.pendingTTL)
}

func (m *JWTManager) issue(c Claims, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	c.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   c.UserID,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies raw as a token of the wanted type at instant now.
//
// A correctly signed token that is only past its expiry returns its claims
// together with ErrTokenExpired. Every other failure is ErrInvalidToken.
func (m *JWTManager) Parse(raw string, want TokenType, now time.Time) (Claims, error) {
	if raw == "" || len(raw) > 4096 {
		return Claims{}, ErrInvalidToken
	}

	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(m.skew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	var c Claims
	_, err := p.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return m.secret, nil })
	if err != nil {
		if expiredOnly(err) && c.Type == want && c.UserID != "" {
			return c, ErrTokenExpired
		}
		return Claims{}, ErrInvalidToken
	}

	if c.Type != want || c.UserID == "" {
		return Claims{}, ErrInvalidToken
	}
	if want != TokenPendingLogin && c.TokenID == "" {
		return Claims{}, ErrInvalidToken
	}
	if want == TokenPendingLogin && (c.ID == "" || len(c.SessionIDs) == 0) {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

// expiredOnly reports whether validation failed solely because of exp.
// Signature verification precedes claim validation, so the claims are authentic.
func expiredOnly(err error) bool {
	if !errors.Is(err, jwt.ErrTokenExpired) {
		return false
	}
	for _, other := range []error{
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenMalformed,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenNotValidYet,
		jwt.ErrTokenUsedBeforeIssued,
	} {
		if errors.Is(err, other) {
			return false
		}
	}
	return true
}
