package types

import "context"

type contextKey string

// passIDKey carries the identifier of the current reconciliation pass or
// admin request so log lines and outbound HTTP calls can be correlated.
const passIDKey contextKey = "pass_id"

// WithPassID stores a pass/request identifier in the context.
func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, passIDKey, id)
}

// GetPassID retrieves the pass/request identifier, or "" if unset.
func GetPassID(ctx context.Context) string {
	id, _ := ctx.Value(passIDKey).(string)
	return id
}
