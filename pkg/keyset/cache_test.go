package keyset

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/StricklySoft/tokengate/internal/testutil"
	sserr "github.com/StricklySoft/tokengate/pkg/errors"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, cfg Config) (*Cache, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(epoch)
	cfg.Now = clock.Now
	c, err := New(cfg)
	require.NoError(t, err)
	return c, clock
}

func encryptionOnlyJWKS(t *testing.T) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	doc, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &priv.PublicKey, KeyID: "enc1", Algorithm: "RSA-OAEP", Use: "enc"},
		{Key: &priv.PublicKey, Algorithm: "RS256", Use: "sig"},
	}})
	require.NoError(t, err)
	return string(doc)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func TestNew_RequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)

	_, err = New(Config{JWKSURL: "http://idp", GracePeriod: -time.Second})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)
}

func TestSigningKeys_FreshSetServedWithoutIO(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "k1")
	c, clock := newTestCache(t, Config{JWKSURL: idp.JWKSURL(), TTL: time.Minute})

	first, err := c.SigningKeys(context.Background())
	require.NoError(t, err)
	clock.Advance(59 * time.Second)
	second, err := c.SigningKeys(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, idp.JWKSRequests())

	key, ok := first.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, "RS256", key.Algorithm)
	assert.IsType(t, &rsa.PublicKey{}, key.Public)
	assert.Equal(t, epoch, first.FetchedAt())
	assert.Equal(t, time.Minute, first.TTL())
}

func TestSigningKeys_StaleSetRefreshed(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "k1")
	c, clock := newTestCache(t, Config{JWKSURL: idp.JWKSURL(), TTL: time.Minute})

	_, err := c.SigningKeys(context.Background())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	set, err := c.SigningKeys(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, idp.JWKSRequests())
	assert.Equal(t, epoch.Add(time.Minute), set.FetchedAt())
}

func TestSigningKeys_ConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "k1")
	c, _ := newTestCache(t, Config{JWKSURL: idp.JWKSURL()})

	const callers = 25
	var wg sync.WaitGroup
	sets := make([]*Set, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sets[i], errs[i] = c.SigningKeys(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sets[0], sets[i])
	}
	assert.Equal(t, 1, idp.JWKSRequests())
}

func TestSigningKeys_RateLimitedRefresh(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.SetJWKSFailure(http.StatusInternalServerError, "down")
	c, clock := newTestCache(t, Config{JWKSURL: idp.JWKSURL(), RequestsPerMinute: 1})

	_, err := c.SigningKeys(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeKeyFetch)
	assert.Equal(t, ReasonStatus, Reason(err))
	testutil.RequireDetail(t, err, "status", http.StatusInternalServerError)

	_, err = c.SigningKeys(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeKeyFetch)
	assert.Equal(t, ReasonRateLimited, Reason(err))
	assert.Equal(t, 1, idp.JWKSRequests())

	clock.Advance(time.Minute)
	_, err = c.SigningKeys(context.Background())
	assert.Equal(t, ReasonStatus, Reason(err))
	assert.Equal(t, 2, idp.JWKSRequests())
}

func TestRefresh_AtMostNFetchesPerRollingMinute(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "k1")
	c, clock := newTestCache(t, Config{JWKSURL: idp.JWKSURL(), RequestsPerMinute: 2})

	_, err := c.SigningKeys(context.Background())
	require.NoError(t, err)
	for range 2 {
		_, err = c.Refresh(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, idp.JWKSRequests())

	for _, step := range []time.Duration{30 * time.Second, 29 * time.Second} {
		clock.Advance(step)
		_, err = c.Refresh(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, idp.JWKSRequests(), "no third fetch inside the first minute")

	clock.Advance(time.Second)
	for range 3 {
		_, err = c.Refresh(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 4, idp.JWKSRequests())
}

func TestSigningKeys_StaleFallbackWithinGrace(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "k1")
	c, clock := newTestCache(t, Config{
		JWKSURL:     idp.JWKSURL(),
		TTL:         10 * time.Minute,
		GracePeriod: time.Hour,
		Logger:      zap.New(core),
	})

	original, err := c.SigningKeys(context.Background())
	require.NoError(t, err)

	idp.SetJWKSFailure(http.StatusServiceUnavailable, "")
	clock.Advance(30 * time.Minute)

	set, err := c.SigningKeys(context.Background())
	require.NoError(t, err)
	assert.Same(t, original, set)
	assert.Equal(t, 2, idp.JWKSRequests())
	assert.Equal(t, 1, logs.FilterMessage("signing key refresh failed, serving previous set").Len())
}

func TestSigningKeys_FailsBeyondGrace(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "k1")
	c, clock := newTestCache(t, Config{
		JWKSURL:     idp.JWKSURL(),
		TTL:         10 * time.Minute,
		GracePeriod: time.Hour,
	})

	_, err := c.SigningKeys(context.Background())
	require.NoError(t, err)

	idp.SetJWKSFailure(http.StatusBadGateway, "")
	clock.Advance(70 * time.Minute)

	_, err = c.SigningKeys(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeKeyFetch)
	assert.Equal(t, ReasonStatus, Reason(err))
	assert.True(t, sserr.IsUnavailable(err))
}

func TestSigningKeys_FailureReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		setup  func(t *testing.T, idp *testutil.IdentityProvider)
		reason string
	}{
		{
			name:   "unparseable document",
			setup:  func(_ *testing.T, idp *testutil.IdentityProvider) { idp.SetJWKSFailure(http.StatusOK, "{not json") },
			reason: ReasonParse,
		},
		{
			name:   "no keys published",
			setup:  func(*testing.T, *testutil.IdentityProvider) {},
			reason: ReasonEmpty,
		},
		{
			name: "only encryption keys",
			setup: func(t *testing.T, idp *testutil.IdentityProvider) {
				idp.SetJWKSFailure(http.StatusOK, encryptionOnlyJWKS(t))
			},
			reason: ReasonEmpty,
		},
		{
			name: "network failure",
			setup: func(_ *testing.T, idp *testutil.IdentityProvider) {
				idp.Server.Close()
			},
			reason: ReasonNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			idp := testutil.NewIdentityProvider(t)
			tt.setup(t, idp)
			c, _ := newTestCache(t, Config{JWKSURL: idp.JWKSURL()})

			_, err := c.SigningKeys(context.Background())
			testutil.RequireErrorCode(t, err, sserr.CodeKeyFetch)
			assert.Equal(t, tt.reason, Reason(err))
		})
	}
}

func TestRefresh_PicksUpRotatedKey(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "old")
	c, _ := newTestCache(t, Config{JWKSURL: idp.JWKSURL()})

	set, err := c.SigningKeys(context.Background())
	require.NoError(t, err)
	_, ok := set.Lookup("new")
	require.False(t, ok)

	idp.AddECKey(t, "new")
	idp.Unpublish("old")

	set, err = c.Refresh(context.Background())
	require.NoError(t, err)
	key, ok := set.Lookup("new")
	require.True(t, ok)
	assert.Equal(t, "ES256", key.Algorithm)
	assert.IsType(t, &ecdsa.PublicKey{}, key.Public)
	_, ok = set.Lookup("old")
	assert.False(t, ok)
	assert.Same(t, set, c.Current())
}

func TestRefresh_RateLimitedReturnsCurrentSet(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "k1")
	c, _ := newTestCache(t, Config{JWKSURL: idp.JWKSURL(), RequestsPerMinute: 1})

	set, err := c.SigningKeys(context.Background())
	require.NoError(t, err)

	refreshed, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, set, refreshed)
	assert.Equal(t, 1, idp.JWKSRequests())
}

func TestSigningKeys_DiscoveryResolvedOnce(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "k1")
	c, clock := newTestCache(t, Config{DiscoveryURL: idp.URL(), TTL: time.Minute})

	_, err := c.SigningKeys(context.Background())
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = c.SigningKeys(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, idp.DiscoveryRequests())
	assert.Equal(t, 2, idp.JWKSRequests())
}

func TestSigningKeys_WaiterCanGiveUp(t *testing.T) {
	t.Parallel()

	idp := testutil.NewIdentityProvider(t)
	idp.AddRSAKey(t, "k1")

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	client := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		started <- struct{}{}
		<-release
		return http.DefaultClient.Do(r)
	})
	c, _ := newTestCache(t, Config{JWKSURL: idp.JWKSURL(), HTTPClient: client})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.SigningKeys(ctx)
		errCh <- err
	}()

	<-started
	cancel()
	err := <-errCh
	testutil.RequireErrorCode(t, err, sserr.CodeTimeout)

	// The abandoned fetch finishes for everyone else.
	done := make(chan *Set, 1)
	go func() {
		set, _ := c.SigningKeys(context.Background())
		done <- set
	}()
	close(release)

	set := <-done
	require.NotNil(t, set)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, 1, idp.JWKSRequests())
}
