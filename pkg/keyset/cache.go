// Package keyset fetches and caches the identity provider's JSON Web Key
// Set. The cache serves a fresh set without I/O, coalesces concurrent
// refreshes into one fetch, rate limits fetch attempts, and falls back to
// the previous set for a grace period when the provider is unreachable.
package keyset

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/tokengate/pkg/errors"
	"github.com/StricklySoft/tokengate/pkg/metrics"
)

const tracerName = "github.com/StricklySoft/tokengate/pkg/keyset"

// Defaults applied by [New] for zero-valued [Config] fields.
const (
	DefaultTTL               = 10 * time.Minute
	DefaultGracePeriod       = time.Hour
	DefaultRequestsPerMinute = 5
	DefaultFetchTimeout      = 10 * time.Second
)

// maxDocumentSize bounds JWKS and discovery response bodies.
const maxDocumentSize = 1 << 20

// Failure reasons reported in the "reason" detail of a key fetch error.
const (
	ReasonNetwork     = "network"
	ReasonStatus      = "status"
	ReasonParse       = "parse"
	ReasonRateLimited = "rate_limited"
	ReasonEmpty       = "empty"
)

// flightKey is the single-flight key. There is one key set per Cache, so
// every refresh shares it.
const flightKey = "jwks"

// HTTPClient is the subset of *http.Client used for fetching documents.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a [Cache].
type Config struct {
	// JWKSURL is the key set endpoint. Either JWKSURL or DiscoveryURL is
	// required; JWKSURL wins when both are set.
	JWKSURL string

	// DiscoveryURL is an OpenID Connect issuer (or the full
	// .well-known/openid-configuration URL). Its jwks_uri is resolved on
	// first use and memoized.
	DiscoveryURL string

	// TTL is how long a fetched set is served without a refresh.
	TTL time.Duration

	// GracePeriod is how long past TTL a set may still be served when
	// refreshing fails.
	GracePeriod time.Duration

	// RequestsPerMinute caps fetch attempts in any rolling minute. Negative
	// disables limiting.
	RequestsPerMinute int

	// FetchTimeout bounds a single shared fetch. The fetch runs detached
	// from the cancellation of the caller that started it.
	FetchTimeout time.Duration

	HTTPClient HTTPClient
	Logger     *zap.Logger
	Metrics    *metrics.Collectors

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Cache holds the current signing key set. It is safe for concurrent use.
type Cache struct {
	cfg     Config
	current atomic.Pointer[Set]
	group   singleflight.Group
	limiter *windowLimiter
	logger  *zap.Logger
	tracer  trace.Tracer

	discoverMu sync.Mutex
	jwksURL    string
}

// New validates cfg, applies defaults, and returns an empty Cache. No
// fetch happens until the first call to [Cache.SigningKeys].
func New(cfg Config) (*Cache, error) {
	if cfg.JWKSURL == "" && cfg.DiscoveryURL == "" {
		return nil, sserr.New(sserr.CodeValidationRequired,
			"keyset: JWKSURL or DiscoveryURL is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.GracePeriod < 0 {
		return nil, sserr.New(sserr.CodeValidation, "keyset: GracePeriod must not be negative")
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Cache{
		cfg:     cfg,
		limiter: newWindowLimiter(cfg.RequestsPerMinute, time.Minute),
		logger:  cfg.Logger.Named("keyset"),
		tracer:  otel.Tracer(tracerName),
		jwksURL: cfg.JWKSURL,
	}, nil
}

// Current returns the cached set without refreshing, or nil.
func (c *Cache) Current() *Set {
	return c.current.Load()
}

// SigningKeys returns the current key set, refreshing it first when it is
// missing or stale.
//
// When the refresh fails (or is denied by the rate limiter) the previous set
// is returned if it is within TTL plus the grace period; otherwise the error
// carries [sserr.CodeKeyFetch]. A caller whose ctx ends while waiting gets
// [sserr.CodeTimeout]; the shared fetch keeps running for the others.
func (c *Cache) SigningKeys(ctx context.Context) (*Set, error) {
	if s := c.current.Load(); s.IsFresh(c.cfg.Now()) {
		return s, nil
	}
	return c.refresh(ctx, nil, false)
}

// Refresh forces a refresh regardless of freshness. It is used when a token
// names a key id the current set does not contain. Refresh still honours
// the rate limit and joins any fetch already in flight. If another refresh
// replaced the set since the caller last looked, that set is returned
// without another fetch.
func (c *Cache) Refresh(ctx context.Context) (*Set, error) {
	return c.refresh(ctx, c.current.Load(), true)
}

func (c *Cache) refresh(ctx context.Context, observed *Set, forced bool) (*Set, error) {
	shared := context.WithoutCancel(ctx)

	ch := c.group.DoChan(flightKey, func() (any, error) {
		now := c.cfg.Now()
		if cur := c.current.Load(); cur.IsFresh(now) && (!forced || cur != observed) {
			return cur, nil
		}
		fetchCtx, cancel := context.WithTimeout(shared, c.cfg.FetchTimeout)
		defer cancel()
		return c.fetchAndStore(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeTimeout,
			"keyset: gave up waiting for signing keys")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Set), nil
	}
}

// fetchAndStore runs inside the single flight.
func (c *Cache) fetchAndStore(ctx context.Context) (*Set, error) {
	now := c.cfg.Now()

	var (
		set *Set
		err *sserr.Error
	)
	if c.limiter.allow(now) {
		set, err = c.fetch(ctx, now)
	} else {
		err = fetchError(ReasonRateLimited, nil, "keyset: refresh denied by rate limiter")
	}

	if err == nil {
		c.current.Store(set)
		c.cfg.Metrics.KeySetFetched("ok", set.Len())
		c.logger.Info("signing keys refreshed", zap.Int("keys", set.Len()))
		return set, nil
	}

	reason := Reason(err)
	c.cfg.Metrics.KeySetFetched(reason, 0)

	prev := c.current.Load()
	if prev.usableWithin(now, c.cfg.GracePeriod) {
		c.cfg.Metrics.KeySetFallback()
		c.logger.Warn("signing key refresh failed, serving previous set",
			zap.String("reason", reason),
			zap.Duration("age", now.Sub(prev.FetchedAt())),
			zap.Error(err))
		return prev, nil
	}

	c.logger.Error("signing key refresh failed",
		zap.String("reason", reason), zap.Error(err))
	return nil, err
}

func (c *Cache) fetch(ctx context.Context, now time.Time) (_ *Set, err *sserr.Error) {
	ctx, span := c.tracer.Start(ctx, "keyset.Fetch")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("keyset.reason", Reason(err)))
		}
		span.End()
	}()

	jwksURL, err := c.resolveJWKSURL(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("keyset.url", jwksURL))

	body, err := c.get(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	parsed, perr := jwk.Parse(body)
	if perr != nil {
		return nil, fetchError(ReasonParse, perr, "keyset: malformed key set document")
	}

	keys := make([]Key, 0, parsed.Len())
	for i := 0; i < parsed.Len(); i++ {
		k, ok := parsed.Key(i)
		if !ok {
			continue
		}
		key, usable := c.toKey(k)
		if usable {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, fetchError(ReasonEmpty, nil, "keyset: key set contains no usable signing keys")
	}

	span.SetAttributes(attribute.Int("keyset.keys", len(keys)))
	return NewSet(keys, now, c.cfg.TTL), nil
}

// toKey converts a JWK to a Key. Encryption keys, keys without an id, and
// key types other than RSA and EC are skipped.
func (c *Cache) toKey(k jwk.Key) (Key, bool) {
	if k.KeyID() == "" || k.KeyUsage() == string(jwk.ForEncryption) {
		return Key{}, false
	}
	pub, err := k.PublicKey()
	if err != nil {
		c.logger.Debug("skipping key", zap.String("kid", k.KeyID()), zap.Error(err))
		return Key{}, false
	}
	var raw any
	if err := pub.Raw(&raw); err != nil {
		c.logger.Debug("skipping key", zap.String("kid", k.KeyID()), zap.Error(err))
		return Key{}, false
	}
	switch raw.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return Key{}, false
	}

	alg := ""
	if a := k.Algorithm(); a != nil {
		alg = a.String()
	}
	return Key{KeyID: k.KeyID(), Algorithm: alg, Public: raw}, true
}

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// resolveJWKSURL returns the configured JWKS URL or resolves it through
// discovery. A successful resolution is memoized; failures are retried on
// the next fetch.
func (c *Cache) resolveJWKSURL(ctx context.Context) (string, *sserr.Error) {
	c.discoverMu.Lock()
	defer c.discoverMu.Unlock()

	if c.jwksURL != "" {
		return c.jwksURL, nil
	}

	discoveryURL := c.cfg.DiscoveryURL
	if !strings.HasSuffix(discoveryURL, "/.well-known/openid-configuration") {
		discoveryURL = strings.TrimRight(discoveryURL, "/") + "/.well-known/openid-configuration"
	}

	body, err := c.get(ctx, discoveryURL)
	if err != nil {
		return "", err
	}
	var doc discoveryDocument
	if jerr := json.Unmarshal(body, &doc); jerr != nil {
		return "", fetchError(ReasonParse, jerr, "keyset: malformed discovery document")
	}
	if doc.JWKSURI == "" {
		return "", fetchError(ReasonParse, nil, "keyset: discovery document has no jwks_uri")
	}

	c.logger.Info("resolved key set endpoint", zap.String("jwks_uri", doc.JWKSURI))
	c.jwksURL = doc.JWKSURI
	return c.jwksURL, nil
}

func (c *Cache) get(ctx context.Context, url string) ([]byte, *sserr.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fetchError(ReasonNetwork, err, "keyset: invalid request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fetchError(ReasonNetwork, err, "keyset: request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fetchError(ReasonStatus, nil,
			fmt.Sprintf("keyset: %s returned status %d", url, resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fetchError(ReasonNetwork, err, "keyset: failed to read response")
	}
	return body, nil
}

func fetchError(reason string, cause error, message string) *sserr.Error {
	e := sserr.New(sserr.CodeKeyFetch, message)
	if cause != nil {
		e = sserr.Wrap(cause, sserr.CodeKeyFetch, message)
	}
	return e.WithDetail("reason", reason)
}

// Reason returns the "reason" detail of a key fetch error, or "".
func Reason(err error) string {
	e, ok := sserr.AsError(err)
	if !ok {
		return ""
	}
	r, _ := e.Detail("reason")
	s, _ := r.(string)
	return s
}
