package api

import "context"

type contextKey int

const ctxKeyUser contextKey = 0

// WithUser returns a context carrying the authenticated user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUser, userID)
}

// UserFrom returns the authenticated user id, or "" when absent.
func UserFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUser).(string)
	return id
}
