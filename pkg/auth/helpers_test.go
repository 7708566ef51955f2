package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/tokengate/internal/testutil"
	"github.com/StricklySoft/tokengate/pkg/keyset"
)

const (
	testAudience = "api://tokengate"
	testTenant   = "abc"
	testIssuer   = "https://login.microsoftonline.com/abc/v2.0"
	testKID      = "k1"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// sharedKey avoids generating an RSA key per test.
var sharedKey = sync.OnceValue(func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
})

// fakeKeys is an in-memory KeySource.
type fakeKeys struct {
	mu      sync.Mutex
	current *keyset.Set
	next    *keyset.Set
	// reloaded, when set, replaces current on the next SigningKeys call, as
	// a refresh of an expired set would.
	reloaded   *keyset.Set
	err        error
	refreshErr error
	refreshes  int
}

func (f *fakeKeys) Current() *keyset.Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeKeys) SigningKeys(context.Context) (*keyset.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.reloaded != nil {
		f.current, f.reloaded = f.reloaded, nil
	}
	return f.current, nil
}

func (f *fakeKeys) Refresh(context.Context) (*keyset.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.next != nil {
		f.current = f.next
	}
	return f.current, nil
}

func (f *fakeKeys) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type verifierFixture struct {
	clock    *testutil.Clock
	key      *rsa.PrivateKey
	keys     *fakeKeys
	policy   *Policy
	verifier *Verifier
}

func newVerifierFixture(t *testing.T, opts ...Option) *verifierFixture {
	t.Helper()
	key := sharedKey()
	clock := testutil.NewClock(epoch)
	keys := &fakeKeys{current: keyset.NewSet([]keyset.Key{
		{KeyID: testKID, Algorithm: "RS256", Public: &key.PublicKey},
	}, epoch, time.Hour)}

	policy, err := NewPolicy(PolicyConfig{
		ExpectedAudience: testAudience,
		IssuerTemplates:  DefaultIssuerTemplates,
		ClockSkew:        5 * time.Minute,
	})
	require.NoError(t, err)

	return &verifierFixture{
		clock:    clock,
		key:      key,
		keys:     keys,
		policy:   policy,
		verifier: NewVerifier(keys, append([]Option{WithClock(clock.Now)}, opts...)...),
	}
}

func (f *verifierFixture) claims() jwt.MapClaims {
	now := f.clock.Now()
	return jwt.MapClaims{
		"sub":  "user-1",
		"name": "Ada Lovelace",
		"tid":  testTenant,
		"iss":  testIssuer,
		"aud":  testAudience,
		"exp":  now.Add(time.Hour).Unix(),
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
	}
}

func (f *verifierFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return testutil.SignToken(t, jwt.SigningMethodRS256, f.key, testKID, claims)
}
