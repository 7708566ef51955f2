package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const (
	claimsKey contextKey = iota
	rawTokenKey
)

// ContextWithClaims returns a copy of ctx carrying claims. The HTTP
// middleware and gRPC interceptors call it after a successful verification.
func ContextWithClaims(ctx context.Context, claims *VerifiedClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the verified claims attached to ctx.
//
// Example:
//
//	claims, ok := auth.ClaimsFromContext(r.Context())
//	if !ok {
//	    return sserr.Unauthorized("no verified caller")
//	}
func ClaimsFromContext(ctx context.Context) (*VerifiedClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*VerifiedClaims)
	return claims, ok && claims != nil
}

// contextWithRawToken keeps the inbound token for handlers that need to
// forward it (on-behalf-of flows). It is never logged.
func contextWithRawToken(ctx context.Context, raw string) context.Context {
	return context.WithValue(ctx, rawTokenKey, raw)
}

// RawTokenFromContext returns the inbound bearer token that produced the
// claims in ctx.
func RawTokenFromContext(ctx context.Context) (string, bool) {
	raw, ok := ctx.Value(rawTokenKey).(string)
	return raw, ok
}

// TraceIDFromContext returns the active OpenTelemetry trace id as hex.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
