// Package auth authenticates gateway API requests.
//
// Callers present a bearer token in the Authorization header. A token is
// accepted when it equals the configured static API key (compared in
// constant time) or when it is an HS256 JWT signed with the configured
// secret, issued by "koine-gateway", carrying a "sub" claim and an expiry.
// Tokens are minted with Tokens.Issue (the "token" subcommand).
//
//	a := auth.NewAuthenticator(cfg.Auth.APIKey, cfg.Auth.JWTSecret)
//	mux.Handle("POST /generate-text", auth.HTTPAuthMiddleware(a, deny)(handler))
//
// Handlers read the identity with FromContext. GET /health is served
// without this middleware.
package auth
