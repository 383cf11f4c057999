// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string
	Tenants []string // nil means every tenant
}

// AllowsTenant reports whether the caller may act on tenantID.
func (a *AuthContext) AllowsTenant(tenantID string) bool {
	if a.Tenants == nil {
		return true
	}
	return slices.Contains(a.Tenants, AllTenants) || slices.Contains(a.Tenants, tenantID)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
