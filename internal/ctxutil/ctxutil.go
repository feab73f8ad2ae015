// Package ctxutil provides shared context key accessors.
//
// The server interceptors populate these values; handlers and the storage
// metrics read them without importing the server package.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyPeer      contextKey = "peer"
)

// WithRequestID returns a new context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext returns the request id, or "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// EnsureRequestID returns ctx unchanged if it already carries a request id,
// otherwise a derived context with a fresh UUIDv7.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := newID()
	return WithRequestID(ctx, id), id
}

// WithPeer returns a new context carrying the caller's address.
func WithPeer(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, keyPeer, addr)
}

// PeerFromContext returns the caller's address, or "" if unknown.
func PeerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyPeer).(string); ok {
		return v
	}
	return ""
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
