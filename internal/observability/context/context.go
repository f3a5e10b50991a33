// Package context carries request-scoped identifiers used by logs, traces and audit entries.
package context

import (
	"context"

	"github.com/oklog/ulid/v2"
)

type requestIDKey struct{}
type callerKey struct{}
type correlationKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithCaller records the caller identity for logging.
func WithCaller(ctx context.Context, role, id string) context.Context {
	return context.WithValue(ctx, callerKey{}, [2]string{role, id})
}

func CallerFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	v, ok := ctx.Value(callerKey{}).([2]string)
	if !ok {
		return "", ""
	}
	return v[0], v[1]
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(correlationKey{}).(string)
	return v
}

// EnsureCorrelationID guarantees a correlation id on the context, generating a ULID when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		cid = ulid.Make().String()
		ctx = context.WithValue(ctx, correlationKey{}, cid)
	}
	return ctx, cid
}
