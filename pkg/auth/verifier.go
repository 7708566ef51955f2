// Package auth verifies inbound bearer tokens issued by an external identity
// provider and exposes the result to HTTP and gRPC handlers.
//
// Verification is a fixed, short-circuiting pipeline. The first failing
// check decides the error code:
//
//  1. structure ([sserr.CodeTokenMalformed])
//  2. algorithm allowed by the [Policy] ([sserr.CodeUnsupportedAlgorithm])
//  3. signing key found by kid, with at most one forced key set refresh
//     ([sserr.CodeUnknownSigningKey], [sserr.CodeSigningKeysUnavailable])
//  4. signature ([sserr.CodeInvalidSignature])
//  5. exp, nbf and iat against the clock with skew tolerance
//     ([sserr.CodeTokenExpired], [sserr.CodeTokenNotYetValid])
//  6. audience ([sserr.CodeAudienceMismatch])
//  7. issuer against the tenant-substituted templates
//     ([sserr.CodeUntrustedIssuer])
//
// Only a token that passes all of them yields [VerifiedClaims].
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sserr "github.com/StricklySoft/tokengate/pkg/errors"
	"github.com/StricklySoft/tokengate/pkg/keyset"
	"github.com/StricklySoft/tokengate/pkg/metrics"
)

const tracerName = "github.com/StricklySoft/tokengate/pkg/auth"

// maxTokenSize bounds the raw token length before any decoding.
const maxTokenSize = 8192

// KeySource supplies signing keys. *keyset.Cache implements it.
type KeySource interface {
	// Current returns the cached set without I/O, or nil.
	Current() *keyset.Set
	SigningKeys(ctx context.Context) (*keyset.Set, error)
	Refresh(ctx context.Context) (*keyset.Set, error)
}

var _ KeySource = (*keyset.Cache)(nil)

// Option configures a [Verifier].
type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the logger. Failures are logged at debug level with
// their code only.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(v *Verifier) {
		if tp != nil {
			v.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics records verification outcomes.
func WithMetrics(m *metrics.Collectors) Option {
	return func(v *Verifier) { v.metrics = m }
}

// Verifier checks raw tokens against a [Policy]. It holds no per-token
// state and is safe for concurrent use.
type Verifier struct {
	keys    KeySource
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collectors
	tracer  trace.Tracer
	parser  *jwt.Parser
}

// NewVerifier returns a Verifier resolving keys from keys.
func NewVerifier(keys KeySource, opts ...Option) *Verifier {
	v := &Verifier{
		keys:   keys,
		now:    time.Now,
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		parser: jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.Named("auth")
	return v
}

// parsedToken is the unverified decoding of a token.
type parsedToken struct {
	alg       string
	kid       string
	signing   string
	signature []byte
	claims    jwt.MapClaims
	expiresAt time.Time
	notBefore *jwt.NumericDate
	issuedAt  *jwt.NumericDate
}

// Verify runs the verification pipeline on raw.
func (v *Verifier) Verify(ctx context.Context, raw string, policy *Policy) (_ *VerifiedClaims, err error) {
	ctx, span := v.tracer.Start(ctx, "auth.Verify")
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = sserr.GetCode(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			v.logger.Debug("token rejected", zap.String("code", outcome))
		}
		span.SetAttributes(attribute.String("auth.outcome", outcome))
		v.metrics.TokenVerified(outcome)
		span.End()
	}()

	if policy == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: no validation policy")
	}

	tok, err := v.parse(raw)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.alg", tok.alg), attribute.String("auth.kid", tok.kid))

	if !policy.AllowsAlgorithm(tok.alg) {
		return nil, sserr.Newf(sserr.CodeUnsupportedAlgorithm,
			"auth: signing algorithm %q is not allowed", tok.alg)
	}

	key, err := v.resolveKey(ctx, tok.kid)
	if err != nil {
		return nil, err
	}

	if err := verifySignature(tok, key); err != nil {
		return nil, err
	}

	if err := v.checkTimes(tok, policy.ClockSkew()); err != nil {
		return nil, err
	}

	aud, _ := tok.claims.GetAudience()
	if !slices.Contains(aud, policy.ExpectedAudience()) {
		return nil, sserr.New(sserr.CodeAudienceMismatch, "auth: token was issued for another audience")
	}

	iss := stringClaim(tok.claims, "iss")
	tenant := stringClaim(tok.claims, policy.tenantClaim)
	if !policy.TrustsIssuer(iss, tenant) {
		return nil, sserr.Newf(sserr.CodeUntrustedIssuer, "auth: issuer %q is not trusted", iss)
	}

	claims := &VerifiedClaims{
		Subject:     stringClaim(tok.claims, "sub"),
		DisplayName: stringClaim(tok.claims, "name"),
		TenantID:    tenant,
		Issuer:      iss,
		Audience:    []string(aud),
		ExpiresAt:   tok.expiresAt,
	}
	if claims.DisplayName == "" {
		claims.DisplayName = stringClaim(tok.claims, "preferred_username")
	}
	if tok.issuedAt != nil {
		claims.IssuedAt = tok.issuedAt.Time
	}
	return claims, nil
}

// parse decodes the token without verifying it. Time claims are decoded
// here so that an ill-typed claim is reported as malformed.
func (v *Verifier) parse(raw string) (*parsedToken, error) {
	if raw == "" {
		return nil, sserr.New(sserr.CodeTokenMalformed, "auth: token is empty")
	}
	if len(raw) > maxTokenSize {
		return nil, sserr.New(sserr.CodeTokenMalformed, "auth: token exceeds maximum size")
	}
	if strings.Count(raw, ".") != 2 {
		return nil, sserr.New(sserr.CodeTokenMalformed, "auth: token must have three segments")
	}

	claims := jwt.MapClaims{}
	token, parts, err := v.parser.ParseUnverified(raw, claims)
	if err != nil {
		// The parser resolves the signing method while decoding; an
		// unknown alg surfaces as unverifiable rather than malformed.
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, sserr.Wrap(err, sserr.CodeUnsupportedAlgorithm, "auth: unknown signing algorithm")
		}
		return nil, sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: token could not be decoded")
	}

	sig, err := v.parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: signature could not be decoded")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: exp claim is invalid")
	}
	if exp == nil {
		return nil, sserr.New(sserr.CodeTokenMalformed, "auth: exp claim is missing")
	}
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: nbf claim is invalid")
	}
	iat, err := claims.GetIssuedAt()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: iat claim is invalid")
	}
	if _, err := claims.GetAudience(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: aud claim is invalid")
	}

	alg, _ := token.Header["alg"].(string)
	kid, _ := token.Header["kid"].(string)

	return &parsedToken{
		alg:       alg,
		kid:       kid,
		signing:   parts[0] + "." + parts[1],
		signature: sig,
		claims:    claims,
		expiresAt: exp.Time,
		notBefore: nbf,
		issuedAt:  iat,
	}, nil
}

// resolveKey finds kid in the current key set. A miss triggers at most one
// fetch: none when SigningKeys has already replaced the set during this
// call, otherwise one forced refresh.
func (v *Verifier) resolveKey(ctx context.Context, kid string) (keyset.Key, error) {
	if kid == "" {
		return keyset.Key{}, sserr.New(sserr.CodeUnknownSigningKey, "auth: token header has no kid")
	}

	before := v.keys.Current()
	set, err := v.keys.SigningKeys(ctx)
	if err != nil {
		return keyset.Key{}, sserr.Wrap(err, sserr.CodeSigningKeysUnavailable,
			"auth: signing keys are unavailable")
	}
	if key, ok := set.Lookup(kid); ok {
		return key, nil
	}
	if set != before {
		return keyset.Key{}, sserr.Newf(sserr.CodeUnknownSigningKey,
			"auth: signing key %q not found in the just refreshed set", kid)
	}

	v.logger.Debug("unknown kid, refreshing signing keys", zap.String("kid", kid))
	set, err = v.keys.Refresh(ctx)
	if err != nil {
		return keyset.Key{}, sserr.Wrapf(err, sserr.CodeUnknownSigningKey,
			"auth: signing key %q not found", kid)
	}
	if key, ok := set.Lookup(kid); ok {
		return key, nil
	}
	return keyset.Key{}, sserr.Newf(sserr.CodeUnknownSigningKey, "auth: signing key %q not found", kid)
}

func verifySignature(tok *parsedToken, key keyset.Key) error {
	if key.Algorithm != "" && key.Algorithm != tok.alg {
		return sserr.Newf(sserr.CodeInvalidSignature,
			"auth: key %q is bound to %s, token uses %s", key.KeyID, key.Algorithm, tok.alg)
	}
	method := jwt.GetSigningMethod(tok.alg)
	if method == nil {
		return sserr.Newf(sserr.CodeUnsupportedAlgorithm, "auth: unknown signing algorithm %q", tok.alg)
	}
	if err := method.Verify(tok.signing, tok.signature, key.Public); err != nil {
		return sserr.Wrap(err, sserr.CodeInvalidSignature, "auth: token signature is invalid")
	}
	return nil
}

// checkTimes applies skew symmetrically: a token is expired once now is
// past exp+skew, and not yet valid while nbf or iat is past now+skew.
func (v *Verifier) checkTimes(tok *parsedToken, skew time.Duration) error {
	now := v.now()
	if now.After(tok.expiresAt.Add(skew)) {
		return sserr.New(sserr.CodeTokenExpired, "auth: token has expired")
	}
	latest := now.Add(skew)
	if tok.notBefore != nil && tok.notBefore.After(latest) {
		return sserr.New(sserr.CodeTokenNotYetValid, "auth: token is not valid yet")
	}
	if tok.issuedAt != nil && tok.issuedAt.After(latest) {
		return sserr.New(sserr.CodeTokenNotYetValid, "auth: token was issued in the future")
	}
	return nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}
