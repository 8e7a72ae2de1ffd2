package receipts

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim on receipt tokens.
const Issuer = "walletd/receipts"

// DefaultValidity is how long a receipt signature is honoured. Receipts are
// proof documents, so this is long.
const DefaultValidity = 365 * 24 * time.Hour

type claims struct {
	payload
	jwt.RegisteredClaims
}

// Signer signs receipt payloads with HS256.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. An empty secret returns nil, which disables
// issuing.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) sign(id string, p payload, issuedAt, expiresAt time.Time) (string, error) {
	c := claims{
		payload: p,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign receipt: %w", err)
	}
	return token, nil
}

// parse checks the signature and issuer. Expiry is reported by the caller,
// since an expired receipt still proves what happened.
func (s *Signer) parse(token string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, err
	}
	if c.Issuer != Issuer {
		return nil, errors.New("unexpected issuer")
	}
	return c, nil
}
