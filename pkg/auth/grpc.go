package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/tokengate/pkg/errors"
)

// UnaryServerInterceptor verifies the bearer token in the "authorization"
// metadata of unary calls. Failures end the call with
// codes.Unauthenticated.
func UnaryServerInterceptor(v *Verifier, policy *Policy) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		_ *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := verifyGRPC(ctx, v, policy)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// [UnaryServerInterceptor].
func StreamServerInterceptor(v *Verifier, policy *Policy) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		_ *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := verifyGRPC(ss.Context(), v, policy)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func verifyGRPC(ctx context.Context, v *Verifier, policy *Policy) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(HeaderAuthorization)
	if len(values) == 0 {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	raw := ExtractBearerToken(values[0])
	if raw == "" {
		return ctx, status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	claims, err := v.Verify(ctx, raw, policy)
	if err != nil {
		return ctx, grpcStatus(err)
	}

	ctx = ContextWithClaims(ctx, claims)
	return contextWithRawToken(ctx, raw), nil
}

func grpcStatus(err error) error {
	e := sserr.FromError(err)
	switch {
	case sserr.IsAuthentication(e):
		return status.Error(codes.Unauthenticated, e.Message)
	case sserr.IsTimeout(e):
		return status.Error(codes.DeadlineExceeded, e.Message)
	case sserr.IsUnavailable(e):
		return status.Error(codes.Unavailable, e.Message)
	default:
		return status.Error(codes.Internal, "token verification failed")
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
