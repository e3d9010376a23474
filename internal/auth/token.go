// ABOUTME: HS256 bearer tokens for callers that should not share the static API key
// ABOUTME: Tokens name the caller in "sub", are issued by this gateway, and must expire

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer is the "iss" claim of every token the gateway mints and accepts.
const TokenIssuer = "koine-gateway"

// clockSkew is tolerated on exp, nbf and iat.
const clockSkew = 30 * time.Second

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the claims carried by a gateway token.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens issues and verifies gateway tokens signed with one shared secret.
type Tokens struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokens creates a Tokens for secret.
func NewTokens(secret []byte) *Tokens {
	return &Tokens{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(TokenIssuer),
			jwt.WithLeeway(clockSkew),
		),
	}
}

// Issue mints a token for subject that expires after ttl.
func (t *Tokens) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    TokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry of raw and returns its
// claims. An expired token is reported as ErrExpiredToken so callers can
// tell the client to fetch a new one.
func (t *Tokens) Verify(raw string) (*Claims, error) {
	var claims Claims
	_, err := t.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return &claims, nil
}
