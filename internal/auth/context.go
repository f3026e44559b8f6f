// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Key sources recorded in AuthContext.
const (
	SourceHeader   = "header"
	SourceQuery    = "query"
	SourceDisabled = "disabled"
)

// AuthContext holds what the middleware learned about the caller.
type AuthContext struct {
	// KeyName identifies the matched key without revealing it, e.g. "key-0".
	KeyName string
	// Source is where the key was found, or SourceDisabled when enforcement is off.
	Source string
}

// Authenticated reports whether a key was actually checked.
func (a *AuthContext) Authenticated() bool {
	return a.Source != SourceDisabled
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
