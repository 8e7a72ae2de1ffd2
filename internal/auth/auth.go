// Package auth authenticates calling services with HS256 bearer tokens.
//
// Authentication model:
//   - Health and metrics are public
//   - Ledger, escrow and event stream endpoints require a valid token
//   - Wallet settings, risk audit and scheduler endpoints also require the
//     "admin" scope
//
// An empty secret disables authentication (development only; config
// refuses it in production).
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingScope = errors.New("token lacks required scope")
)

// Scopes
const (
	ScopeLedger = "ledger"
	ScopeAdmin  = "admin"
)

// Issuer is the iss claim on tokens minted by this service.
const Issuer = "walletd"

// Claims are the token claims understood by the service.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Manager issues and validates tokens.
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a token manager. An empty secret disables auth.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), now: time.Now}
}

// Enabled reports whether requests must carry a token.
func (m *Manager) Enabled() bool {
	return len(m.secret) > 0
}

// Issue mints a token for subject (a calling service name).
func (m *Manager) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	if !m.Enabled() {
		return "", errors.New("auth disabled: no secret configured")
	}
	now := m.now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses raw (with or without a "Bearer " prefix) and checks its
// signature, issuer and expiry.
func (m *Manager) Validate(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoToken
	}
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
