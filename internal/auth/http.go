// ABOUTME: HTTP middleware for bearer authentication on API endpoints
// ABOUTME: Accepts the static API key or an HS256 JWT and adds identity to context

package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned for a missing or unrecognized bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// apiKeySubject is the subject recorded for requests using the static key.
const apiKeySubject = "api-key"

// Authenticator checks bearer tokens against the configured credentials.
type Authenticator struct {
	apiKey []byte
	tokens *Tokens // nil without a JWT secret
}

// NewAuthenticator creates an Authenticator. Either credential may be empty;
// with neither set every request is rejected.
func NewAuthenticator(apiKey string, jwtSecret string) *Authenticator {
	a := &Authenticator{}
	if apiKey != "" {
		a.apiKey = []byte(apiKey)
	}
	if jwtSecret != "" {
		a.tokens = NewTokens([]byte(jwtSecret))
	}
	return a
}

// Authenticate resolves a bearer token to an identity.
func (a *Authenticator) Authenticate(token string) (*AuthContext, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	if len(a.apiKey) > 0 && subtle.ConstantTimeCompare([]byte(token), a.apiKey) == 1 {
		return &AuthContext{Subject: apiKeySubject, Method: MethodAPIKey}, nil
	}
	if a.tokens != nil {
		claims, err := a.tokens.Verify(token)
		if err == nil {
			return &AuthContext{Subject: claims.Subject, Method: MethodJWT, TokenID: claims.ID}, nil
		}
		if errors.Is(err, ErrExpiredToken) {
			return nil, err
		}
	}
	return nil, ErrUnauthorized
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// DenyFunc writes the response for an unauthenticated request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, message string)

// HTTPAuthMiddleware rejects requests without a valid bearer token and adds
// the AuthContext to the request context of the rest.
func HTTPAuthMiddleware(a *Authenticator, deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				deny(w, r, errMsg)
				return
			}

			authCtx, err := a.Authenticate(token)
			if err != nil {
				if errors.Is(err, ErrExpiredToken) {
					deny(w, r, "token expired")
				} else {
					deny(w, r, "invalid token")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
