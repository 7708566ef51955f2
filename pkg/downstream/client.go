// Package downstream calls the resource API on behalf of a verified caller
// using a service token. Each call is a single attempt: there are no
// retries and nothing is cached. Failures are normalized into
// [sserr.Error] values so that the gateway can translate them into a
// status without inspecting transport errors:
//
//   - a non-success status is [sserr.CodeDownstreamStatus] with the status
//     and the response body, verbatim, in its details
//   - a connection failure is [sserr.CodeDownstreamTransport] with a "kind"
//     detail of dns, connect, tls, or other
//   - a deadline is [sserr.CodeDownstreamTimeout]
//   - a rejected call while the circuit breaker is open is
//     [sserr.CodeDownstreamCircuitOpen]
package downstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sserr "github.com/StricklySoft/tokengate/pkg/errors"
	"github.com/StricklySoft/tokengate/pkg/metrics"
	"github.com/StricklySoft/tokengate/pkg/servicetoken"
)

const tracerName = "github.com/StricklySoft/tokengate/pkg/downstream"

// Defaults applied by [New] for zero-valued [Config] fields.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxBodySize = 4 << 20
)

// Transport failure kinds reported in the "kind" detail.
const (
	KindDNS     = "dns"
	KindConnect = "connect"
	KindTLS     = "tls"
	KindOther   = "other"
)

// DefaultHeaders are the protocol headers sent with every call. They are
// the OData version headers the Dataverse Web API expects.
var DefaultHeaders = map[string]string{
	"OData-MaxVersion": "4.0",
	"OData-Version":    "4.0",
}

// logBodyLimit bounds how much of an error body is written to the log.
const logBodyLimit = 512

// HTTPClient is the subset of *http.Client used for calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// BreakerConfig enables a circuit breaker in front of the resource API.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string

	// Threshold is the number of requests in an interval after which the
	// breaker trips when at least half of them failed. It is also the
	// number of trial requests allowed while half-open.
	Threshold int

	// Timeout is how long the breaker stays open, and the interval after
	// which closed-state counts are cleared.
	Timeout time.Duration
}

// Config configures a [Client].
type Config struct {
	// BaseURL is the resource API root, e.g. https://org.crm.dynamics.com.
	// Required.
	BaseURL string

	// Headers replaces [DefaultHeaders] when non-nil.
	Headers map[string]string

	// Timeout bounds one call, including reading the body.
	Timeout time.Duration

	// MaxBodySize bounds the response body that is read.
	MaxBodySize int64

	// Breaker enables the circuit breaker when non-nil.
	Breaker *BreakerConfig

	HTTPClient HTTPClient
	Logger     *zap.Logger
	Metrics    *metrics.Collectors
}

// Request describes one call relative to the base URL.
type Request struct {
	// Method defaults to GET.
	Method string

	// Path is joined onto the base URL path.
	Path string

	// Query is appended as the query string. Values are encoded, so OData
	// system options such as $top can be given as-is.
	Query url.Values

	// Header adds or overrides headers for this call.
	Header http.Header

	// Body is sent as JSON when non-nil.
	Body []byte
}

// Response is a successful (2xx) response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v. A body that is not JSON yields
// [sserr.CodeDownstreamDecode].
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return sserr.Wrap(err, sserr.CodeDownstreamDecode,
			"downstream: response body is not valid JSON")
	}
	return nil
}

// Client calls the resource API. It is safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	headers map[string]string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New validates cfg, applies defaults, and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "downstream: BaseURL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, sserr.Newf(sserr.CodeValidation,
			"downstream: BaseURL %q must be an absolute URL", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	headers := cfg.Headers
	if headers == nil {
		headers = DefaultHeaders
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		headers: headers,
		logger:  cfg.Logger.Named("downstream"),
		tracer:  otel.Tracer(tracerName),
	}
	if cfg.Breaker != nil {
		c.breaker = c.newBreaker(*cfg.Breaker)
	}
	return c, nil
}

func (c *Client) newBreaker(bc BreakerConfig) *gobreaker.CircuitBreaker {
	if bc.Name == "" {
		bc.Name = c.base.Host
	}
	if bc.Threshold <= 0 {
		bc.Threshold = 5
	}
	if bc.Timeout <= 0 {
		bc.Timeout = 30 * time.Second
	}
	threshold := uint32(bc.Threshold) //nolint:gosec // positive, set above

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        bc.Name,
		MaxRequests: threshold,
		Interval:    bc.Timeout,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && ratio >= 0.5
		},
		// Only outages count against the resource API: 4xx answers and
		// undecodable bodies mean it is up.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if sserr.HasCode(err, sserr.CodeDownstreamStatus) {
				return StatusCode(err) < http.StatusInternalServerError
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Call performs req with tok as the bearer credential.
func (c *Client) Call(ctx context.Context, tok servicetoken.Token, req Request) (*Response, error) {
	if tok.AccessToken == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "downstream: access token is required")
	}
	if c.breaker == nil {
		return c.call(ctx, tok, req)
	}

	v, err := c.breaker.Execute(func() (any, error) {
		return c.call(ctx, tok, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("circuit breaker rejected call",
			zap.String("path", req.Path),
			zap.String("state", c.breaker.State().String()))
		return nil, sserr.Wrap(err, sserr.CodeDownstreamCircuitOpen,
			"downstream: circuit breaker is open")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (c *Client) call(ctx context.Context, tok servicetoken.Token, req Request) (_ *Response, err error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.resolve(req)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "downstream.Call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("server.address", c.base.Host),
			attribute.String("url.path", target.Path),
		))
	start := time.Now()
	status := 0
	defer func() {
		c.cfg.Metrics.DownstreamCalled(status, time.Since(start))
		if status != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", status))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, nerr := http.NewRequestWithContext(ctx, method, target.String(), body)
	if nerr != nil {
		return nil, sserr.Wrap(nerr, sserr.CodeInternal, "downstream: invalid request")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, derr := c.cfg.HTTPClient.Do(httpReq)
	if derr != nil {
		e := transportError(derr)
		c.logger.Error("downstream call failed",
			zap.String("method", method),
			zap.String("path", target.Path),
			zap.String("code", e.Code.String()),
			zap.Error(derr))
		return nil, e
	}
	defer func() { _ = resp.Body.Close() }()
	status = resp.StatusCode

	data, rerr := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodySize))
	if rerr != nil {
		return nil, transportError(rerr)
	}

	if status < 200 || status > 299 {
		c.logger.Warn("downstream returned error status",
			zap.String("method", method),
			zap.String("path", target.Path),
			zap.Int("status", status),
			zap.String("body", truncate(string(data), logBodyLimit)))
		return nil, sserr.Newf(sserr.CodeDownstreamStatus,
			"downstream: %s %s returned status %d", method, target.Path, status).
			WithDetails(map[string]any{
				"status": status,
				"body":   string(data),
			})
	}

	c.logger.Debug("downstream call succeeded",
		zap.String("path", target.Path),
		zap.Int("status", status),
		zap.Duration("elapsed", time.Since(start)))
	return &Response{StatusCode: status, Header: resp.Header, Body: data}, nil
}

func (c *Client) resolve(req Request) *url.URL {
	u := *c.base
	if req.Path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")
		u.RawPath = ""
	}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	return &u
}

// transportError classifies a failure to obtain a response.
func transportError(err error) *sserr.Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return sserr.Wrap(err, sserr.CodeDownstreamTimeout, "downstream: call timed out")
	}
	kind := transportKind(err)
	return sserr.Wrap(err, sserr.CodeDownstreamTransport,
		fmt.Sprintf("downstream: %s failure", kind)).
		WithDetail("kind", kind)
}

func transportKind(err error) string {
	var (
		dnsErr     *net.DNSError
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		opErr      *net.OpError
	)
	switch {
	case errors.As(err, &dnsErr):
		return KindDNS
	case errors.As(err, &recordErr), errors.As(err, &verifyErr),
		errors.As(err, &unknownCA), errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return KindTLS
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return KindConnect
	default:
		return KindOther
	}
}

// StatusCode returns the downstream status carried by err, or 0.
func StatusCode(err error) int {
	e, ok := sserr.AsError(err)
	if !ok {
		return 0
	}
	v, _ := e.Detail("status")
	n, _ := v.(int)
	return n
}

// Body returns the downstream response body carried by err, or "".
func Body(err error) string {
	e, ok := sserr.AsError(err)
	if !ok {
		return ""
	}
	v, _ := e.Detail("body")
	s, _ := v.(string)
	return s
}

// Kind returns the transport failure kind carried by err, or "".
func Kind(err error) string {
	e, ok := sserr.AsError(err)
	if !ok {
		return ""
	}
	v, _ := e.Detail("kind")
	s, _ := v.(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
