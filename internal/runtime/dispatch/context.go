package dispatch

import "context"

type connectionIDKey struct{}

// WithConnectionID returns a copy of ctx that carries the ID of the
// connection a request arrived on.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey{}, id)
}

// ConnectionIDFrom extracts the connection ID stored by WithConnectionID.
func ConnectionIDFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(connectionIDKey{}).(string)
	return id, ok && id != ""
}
