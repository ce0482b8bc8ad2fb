package api

import "context"

type contextKey int

const ctxKeyCaller contextKey = 0

// Caller is the authenticated operator behind a request.
type Caller struct {
	Subject string
	OrgID   string
}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, c)
}

// CallerFrom returns the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKeyCaller).(Caller)
	return c, ok && c.OrgID != ""
}
