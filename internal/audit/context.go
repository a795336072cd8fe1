package audit

import "context"

type contextKey string

const sourceKey contextKey = "audit_source"

type source struct {
	ip        string
	userAgent string
}

// WithSource records the client address and user agent so events emitted further down
// the request carry them.
func WithSource(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, sourceKey, source{ip: ip, userAgent: userAgent})
}

func sourceFromContext(ctx context.Context) (source, bool) {
	s, ok := ctx.Value(sourceKey).(source)
	return s, ok
}
