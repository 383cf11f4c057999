// Package auth authenticates control-plane requests.
//
// Callers present an HS256 JWT as a bearer token. The "sub" claim names the
// caller; an optional "tenants" claim restricts the token to a list of
// tenant IDs. A token without that claim, or with "*" in it, may act on
// every tenant.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("ops", []string{"clinicA"}, 24*time.Hour)
//	mux.Handle("/session/", auth.HTTPAuthMiddleware(verifier)(handler))
package auth
