package realtime

import "context"

type connIDKey struct{}

// WithConnectionID marks ctx as coming from the client that owns the
// given realtime connection.
func WithConnectionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, connIDKey{}, id)
}

func ConnectionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}
