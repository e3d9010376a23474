// ABOUTME: Unit tests for issuing and verifying gateway bearer tokens
// ABOUTME: Covers round trips, foreign issuers, tampering, and expiry handling

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing-0123")

func signed(t *testing.T, method jwt.SigningMethod, claims jwt.Claims, key any) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestTokens_RoundTrip(t *testing.T) {
	tokens := NewTokens(testSecret)

	for _, subject := range []string{"ci-runner", "alice@example.com"} {
		raw, err := tokens.Issue(subject, time.Hour)
		require.NoError(t, err)

		claims, err := tokens.Verify(raw)
		require.NoError(t, err)
		assert.Equal(t, subject, claims.Subject)
		assert.Equal(t, TokenIssuer, claims.Issuer)
		assert.NotEmpty(t, claims.ID)
		require.NotNil(t, claims.ExpiresAt)
		assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
	}
}

func TestTokens_IssueRequiresSubject(t *testing.T) {
	_, err := NewTokens(testSecret).Issue("", time.Hour)
	assert.Error(t, err)
}

func TestTokens_Rejects(t *testing.T) {
	tokens := NewTokens(testSecret)
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	other, err := NewTokens([]byte("another-secret-another-secret-00")).Issue("x", time.Hour)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"malformed":    "header.payload.signature",
		"wrong secret": other,
		"no expiry": signed(t, jwt.SigningMethodHS256,
			jwt.RegisteredClaims{Issuer: TokenIssuer, Subject: "x"}, testSecret),
		"no subject": signed(t, jwt.SigningMethodHS256,
			jwt.RegisteredClaims{Issuer: TokenIssuer, ExpiresAt: exp}, testSecret),
		"foreign issuer": signed(t, jwt.SigningMethodHS256,
			jwt.RegisteredClaims{Issuer: "someone-else", Subject: "x", ExpiresAt: exp}, testSecret),
		"hs512": signed(t, jwt.SigningMethodHS512,
			jwt.RegisteredClaims{Issuer: TokenIssuer, Subject: "x", ExpiresAt: exp}, testSecret),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tokens.Verify(raw)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokens_Expiry(t *testing.T) {
	tokens := NewTokens(testSecret)

	expired, err := tokens.Issue("ci-runner", -time.Hour)
	require.NoError(t, err)
	_, err = tokens.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	// Within the tolerated clock skew.
	justExpired, err := tokens.Issue("ci-runner", -5*time.Second)
	require.NoError(t, err)
	_, err = tokens.Verify(justExpired)
	assert.NoError(t, err)
}
