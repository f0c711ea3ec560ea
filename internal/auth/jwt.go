// Package auth provides the JWT login flow, superuser bootstrap,
// dynamic rate limiting, and audit logging around the engine.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/featherbase/featherbase/internal/record"
)

// Common errors
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrForbidden          = errors.New("forbidden")
)

// Claims are the JWT claims carried by featherbase tokens.
type Claims struct {
	UserID     string `json:"id"`
	Collection string `json:"collection"`
	Email      string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

// NewTokenIssuer creates an issuer. An empty secret disables token
// issuance; Verify then rejects everything.
func NewTokenIssuer(secret string, expiry time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), expiry: expiry}
}

// Issue signs a token for an authenticated record.
func (t *TokenIssuer) Issue(user record.Record, collection string) (string, error) {
	if len(t.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}

	email, _ := user["email"].(string)
	now := time.Now()
	claims := Claims{
		UserID:     user.ID(),
		Collection: collection,
		Email:      email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string.
func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	if len(t.secret) == 0 {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
