package auth

import (
	"context"

	"github.com/cirrusfs/cirrusfs/internal/metadata"
)

type contextKey int

const (
	userKey contextKey = iota
	requestIDKey
)

// WithUser attaches the authenticated user to the context. A nil user marks
// the request anonymous.
func WithUser(ctx context.Context, user *metadata.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user, or nil for anonymous
// requests.
func UserFromContext(ctx context.Context) *metadata.User {
	user, _ := ctx.Value(userKey).(*metadata.User)
	return user
}

// PrincipalFromContext returns the principal id (the access key), or "" for
// anonymous requests.
func PrincipalFromContext(ctx context.Context) string {
	if user := UserFromContext(ctx); user != nil {
		return user.AccessKey
	}
	return ""
}

// WithRequestID attaches the request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id, or "" when unset.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
