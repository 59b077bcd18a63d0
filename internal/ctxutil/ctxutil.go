// Package ctxutil holds context accessors shared by the HTTP server and the
// MCP handlers, which cannot import each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/ideaheist/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a context carrying the caller's token claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext returns the caller's claims, or nil when auth is off.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// ClientID returns the authenticated client, or "anonymous".
func ClientID(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil && c.ClientID != "" {
		return c.ClientID
	}
	return "anonymous"
}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID returns the request ID, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}
