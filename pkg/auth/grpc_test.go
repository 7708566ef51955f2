package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/tokengate/pkg/errors"
)

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context { return m.ctx }

func incoming(pairs ...string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(pairs...))
}

func TestUnaryServerInterceptor_ValidToken(t *testing.T) {
	t.Parallel()
	f := newVerifierFixture(t)
	interceptor := UnaryServerInterceptor(f.verifier, f.policy)

	ctx := incoming(HeaderAuthorization, "Bearer "+f.sign(t, f.claims()))
	var captured context.Context
	resp, err := interceptor(ctx, "req", &grpc.UnaryServerInfo{}, func(ctx context.Context, _ any) (any, error) {
		captured = ctx
		return "resp", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "resp", resp)

	claims, ok := ClaimsFromContext(captured)
	require.True(t, ok)
	assert.Equal(t, testTenant, claims.TenantID)
}

func TestUnaryServerInterceptor_Rejections(t *testing.T) {
	t.Parallel()
	f := newVerifierFixture(t)
	interceptor := UnaryServerInterceptor(f.verifier, f.policy)

	expired := f.claims()
	expired["exp"] = epoch.Add(-2 * time.Hour).Unix()

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"no metadata", context.Background()},
		{"no authorization", incoming("x-other", "1")},
		{"wrong scheme", incoming(HeaderAuthorization, "Basic abc")},
		{"expired", incoming(HeaderAuthorization, "Bearer "+f.sign(t, expired))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			_, err := interceptor(tt.ctx, "req", &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
				called = true
				return nil, nil
			})
			assert.False(t, called)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestStreamServerInterceptor(t *testing.T) {
	t.Parallel()
	f := newVerifierFixture(t)
	interceptor := StreamServerInterceptor(f.verifier, f.policy)

	stream := &mockServerStream{ctx: incoming(HeaderAuthorization, "Bearer "+f.sign(t, f.claims()))}
	var captured context.Context
	err := interceptor(nil, stream, &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
		captured = ss.Context()
		return nil
	})
	require.NoError(t, err)
	_, ok := ClaimsFromContext(captured)
	assert.True(t, ok)

	err = interceptor(nil, &mockServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{},
		func(any, grpc.ServerStream) error { return nil })
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPCStatusMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, codes.Unauthenticated, status.Code(grpcStatus(sserr.New(sserr.CodeSigningKeysUnavailable, "x"))))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(grpcStatus(sserr.New(sserr.CodeTimeout, "x"))))
	assert.Equal(t, codes.Unavailable, status.Code(grpcStatus(sserr.New(sserr.CodeKeyFetch, "x"))))
	assert.Equal(t, codes.Internal, status.Code(grpcStatus(sserr.New(sserr.CodeInternal, "x"))))
}
