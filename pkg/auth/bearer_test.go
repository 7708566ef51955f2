package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer abc", "abc"},
		{"BEARER  abc ", "abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer ", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractBearerToken(tt.header), "header %q", tt.header)
	}
}

func TestClaimsContext(t *testing.T) {
	t.Parallel()

	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)

	_, ok = ClaimsFromContext(ContextWithClaims(context.Background(), nil))
	assert.False(t, ok)

	claims := &VerifiedClaims{Subject: "user-1"}
	got, ok := ClaimsFromContext(ContextWithClaims(context.Background(), claims))
	assert.True(t, ok)
	assert.Same(t, claims, got)

	_, ok = TraceIDFromContext(context.Background())
	assert.False(t, ok)
}
