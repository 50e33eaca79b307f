// ABOUTME: Caller identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Method is how a caller authenticated.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodBearer Method = "bearer"
)

// Identity is the authenticated caller of a facade request.
type Identity struct {
	Method  Method
	Subject string // configured user id for API keys, token subject for bearer tokens
}

type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the Identity in ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
