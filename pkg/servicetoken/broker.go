// Package servicetoken acquires and caches service-to-service access tokens
// using the OAuth2 client-credentials grant.
//
// A [Broker] keeps one token per scope. A cached token is handed out only
// while it has more than the safety margin left before expiry; otherwise
// one grant is executed per scope no matter how many callers are waiting,
// and every waiter receives the same result. Failed grants are never
// cached.
//
// Usage:
//
//	broker, err := servicetoken.New(servicetoken.Config{
//	    TokenURL:     "https://login.microsoftonline.com/<tenant>/oauth2/v2.0/token",
//	    ClientID:     clientID,
//	    ClientSecret: servicetoken.Secret(clientSecret),
//	    Logger:       logger,
//	})
//	tok, err := broker.GetToken(ctx, "https://org.crm.dynamics.com/.default")
package servicetoken

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/tokengate/pkg/errors"
	"github.com/StricklySoft/tokengate/pkg/metrics"
)

const tracerName = "github.com/StricklySoft/tokengate/pkg/servicetoken"

// Defaults applied by [New] for zero-valued [Config] fields.
const (
	DefaultSafetyMargin   = 60 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Failure reasons reported in the "reason" detail of a token acquisition
// error.
const (
	ReasonCredentialRejected = "credential_rejected"
	ReasonNetwork            = "network"
	ReasonMalformedResponse  = "malformed_response"
)

// Token is a service access token for one scope.
type Token struct {
	Scope       string    `json:"scope"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// String describes the token without its value.
func (t Token) String() string {
	return fmt.Sprintf("Token{Scope: %q, TokenType: %q, ExpiresAt: %s}",
		t.Scope, t.TokenType, t.ExpiresAt.Format(time.RFC3339))
}

// usable reports whether the token may be handed out at now.
func (t Token) usable(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && now.Add(margin).Before(t.ExpiresAt)
}

// Config configures a [Broker].
type Config struct {
	// TokenURL is the identity provider's token endpoint. Required.
	TokenURL string

	// ClientID identifies this service. Required.
	ClientID string

	// ClientSecret authenticates this service. Required.
	ClientSecret Secret

	// SafetyMargin is how long before expiry a cached token stops being
	// handed out. Tokens whose whole lifetime is within the margin are
	// rejected as malformed.
	SafetyMargin time.Duration

	// RequestTimeout bounds one grant request. The request runs detached
	// from the cancellation of the caller that started it.
	RequestTimeout time.Duration

	// HTTPClient sends grant requests. Defaults to a client with
	// RequestTimeout.
	HTTPClient *http.Client

	// Store is an optional second-level cache.
	Store Store

	Logger  *zap.Logger
	Metrics *metrics.Collectors

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Broker caches service tokens per scope. It is safe for concurrent use.
type Broker struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	group  singleflight.Group

	mu     sync.RWMutex
	tokens map[string]Token
}

// New validates cfg, applies defaults, and returns a Broker with an empty
// cache.
func New(cfg Config) (*Broker, error) {
	switch {
	case cfg.TokenURL == "":
		return nil, sserr.New(sserr.CodeValidationRequired, "servicetoken: TokenURL is required")
	case cfg.ClientID == "":
		return nil, sserr.New(sserr.CodeValidationRequired, "servicetoken: ClientID is required")
	case cfg.ClientSecret == "":
		return nil, sserr.New(sserr.CodeValidationRequired, "servicetoken: ClientSecret is required")
	case cfg.SafetyMargin < 0:
		return nil, sserr.New(sserr.CodeValidation, "servicetoken: SafetyMargin must not be negative")
	}
	if _, err := url.ParseRequestURI(cfg.TokenURL); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "servicetoken: invalid TokenURL")
	}

	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Broker{
		cfg:    cfg,
		logger: cfg.Logger.Named("servicetoken"),
		tracer: otel.Tracer(tracerName),
		tokens: make(map[string]Token),
	}, nil
}

// GetToken returns a token for scope, acquiring one when the cached token
// is missing or within the safety margin of expiry.
//
// Acquisition failures carry [sserr.CodeTokenAcquisition] and a "reason"
// detail. A caller whose ctx ends while waiting gets [sserr.CodeTimeout];
// the grant keeps running and its result is cached for the next caller.
func (b *Broker) GetToken(ctx context.Context, scope string) (Token, error) {
	if scope == "" {
		return Token{}, sserr.New(sserr.CodeValidationRequired, "servicetoken: scope is required")
	}

	if tok, ok := b.cached(scope); ok {
		b.cfg.Metrics.ServiceTokenLookup(true)
		return tok, nil
	}
	b.cfg.Metrics.ServiceTokenLookup(false)

	shared := context.WithoutCancel(ctx)
	ch := b.group.DoChan(scope, func() (any, error) {
		if tok, ok := b.cached(scope); ok {
			return tok, nil
		}
		if tok, ok := b.loadShared(shared, scope); ok {
			return tok, nil
		}
		reqCtx, cancel := context.WithTimeout(shared, b.cfg.RequestTimeout)
		defer cancel()
		return b.acquire(reqCtx, scope)
	})

	select {
	case <-ctx.Done():
		return Token{}, sserr.Wrap(ctx.Err(), sserr.CodeTimeout,
			"servicetoken: gave up waiting for a service token")
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// Invalidate drops rejected, the token the downstream API refused, forcing
// the next [Broker.GetToken] for its scope to acquire a new one. A token
// acquired since rejected was handed out is kept.
func (b *Broker) Invalidate(ctx context.Context, rejected Token) {
	b.mu.Lock()
	cur, ok := b.tokens[rejected.Scope]
	dropped := ok && cur.AccessToken == rejected.AccessToken
	if dropped {
		delete(b.tokens, rejected.Scope)
	}
	b.mu.Unlock()

	if b.cfg.Store != nil {
		if err := b.cfg.Store.Delete(ctx, rejected); err != nil {
			b.logger.Warn("failed to drop shared service token",
				zap.String("scope", rejected.Scope), zap.Error(err))
		}
	}
	if dropped {
		b.logger.Info("service token invalidated", zap.String("scope", rejected.Scope))
	} else {
		b.logger.Debug("rejected service token already replaced", zap.String("scope", rejected.Scope))
	}
}

func (b *Broker) cached(scope string) (Token, bool) {
	b.mu.RLock()
	tok, ok := b.tokens[scope]
	b.mu.RUnlock()
	return tok, ok && tok.usable(b.cfg.Now(), b.cfg.SafetyMargin)
}

func (b *Broker) store(tok Token) {
	b.mu.Lock()
	b.tokens[tok.Scope] = tok
	b.mu.Unlock()
}

// loadShared consults the second-level store. Store failures are logged
// and treated as a miss.
func (b *Broker) loadShared(ctx context.Context, scope string) (Token, bool) {
	if b.cfg.Store == nil {
		return Token{}, false
	}
	tok, ok, err := b.cfg.Store.Load(ctx, scope)
	if err != nil {
		b.logger.Warn("shared service token lookup failed",
			zap.String("scope", scope), zap.Error(err))
		return Token{}, false
	}
	if !ok || tok.Scope != scope || !tok.usable(b.cfg.Now(), b.cfg.SafetyMargin) {
		return Token{}, false
	}
	b.store(tok)
	b.logger.Debug("service token loaded from shared store", zap.String("scope", scope))
	return tok, true
}

// acquire runs the grant inside the single flight.
func (b *Broker) acquire(ctx context.Context, scope string) (_ Token, err error) {
	ctx, span := b.tracer.Start(ctx, "servicetoken.Acquire",
		trace.WithAttributes(attribute.String("servicetoken.scope", scope)))
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = Reason(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("servicetoken.reason", result))
		}
		b.cfg.Metrics.ServiceTokenAcquired(result, time.Since(start))
		span.End()
	}()

	cc := clientcredentials.Config{
		ClientID:     b.cfg.ClientID,
		ClientSecret: b.cfg.ClientSecret.Value(),
		TokenURL:     b.cfg.TokenURL,
		Scopes:       []string{scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	issuedAt := b.cfg.Now()
	raw, gerr := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, b.cfg.HTTPClient))
	if gerr != nil {
		aerr := classify(gerr)
		b.logger.Error("service token acquisition failed",
			zap.String("scope", scope),
			zap.String("reason", Reason(aerr)),
			zap.Error(gerr))
		return Token{}, aerr
	}

	lifetime, ok := expiresIn(raw)
	if !ok {
		return Token{}, acquisitionError(ReasonMalformedResponse, nil,
			"servicetoken: token response has no usable expires_in")
	}
	if lifetime <= b.cfg.SafetyMargin {
		return Token{}, acquisitionError(ReasonMalformedResponse, nil,
			fmt.Sprintf("servicetoken: token lifetime %s is within the safety margin", lifetime)).
			WithDetail("expires_in", int64(lifetime/time.Second))
	}

	tok := Token{
		Scope:       scope,
		AccessToken: raw.AccessToken,
		TokenType:   raw.Type(),
		ExpiresAt:   issuedAt.Add(lifetime),
	}
	b.store(tok)

	if b.cfg.Store != nil {
		if serr := b.cfg.Store.Save(ctx, tok); serr != nil {
			b.logger.Warn("failed to share service token",
				zap.String("scope", scope), zap.Error(serr))
		}
	}

	b.logger.Info("service token acquired",
		zap.String("scope", scope),
		zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// expiresIn reads the lifetime from the raw token response. JSON bodies
// yield a number or, occasionally, a numeric string. Form-encoded bodies
// yield int64.
func expiresIn(t *oauth2.Token) (time.Duration, bool) {
	var secs int64
	switch v := t.Extra("expires_in").(type) {
	case int64:
		secs = v
	case float64:
		secs = int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		secs = n
	default:
		return 0, false
	}
	if secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// classify maps a grant error onto an acquisition failure reason.
func classify(err error) *sserr.Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		var e *sserr.Error
		switch {
		case status >= 500:
			e = acquisitionError(ReasonNetwork, err,
				fmt.Sprintf("servicetoken: token endpoint returned status %d", status))
		case status >= 400 || re.ErrorCode != "":
			e = acquisitionError(ReasonCredentialRejected, err,
				"servicetoken: token endpoint rejected the client credentials")
		default:
			e = acquisitionError(ReasonMalformedResponse, err,
				"servicetoken: unexpected token endpoint response")
		}
		if status != 0 {
			e = e.WithDetail("status", status)
		}
		if re.ErrorCode != "" {
			e = e.WithDetail("error", re.ErrorCode)
		}
		return e
	}

	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return acquisitionError(ReasonNetwork, err, "servicetoken: token endpoint unreachable")
	}

	return acquisitionError(ReasonMalformedResponse, err, "servicetoken: malformed token response")
}

func acquisitionError(reason string, cause error, message string) *sserr.Error {
	e := sserr.New(sserr.CodeTokenAcquisition, message)
	if cause != nil {
		e = sserr.Wrap(cause, sserr.CodeTokenAcquisition, message)
	}
	return e.WithDetail("reason", reason)
}

// Reason returns the "reason" detail of a token acquisition error, or "".
func Reason(err error) string {
	e, ok := sserr.AsError(err)
	if !ok {
		return ""
	}
	r, _ := e.Detail("reason")
	s, _ := r.(string)
	return s
}
