package downstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tgtest "github.com/StricklySoft/tokengate/internal/testutil"
	sserr "github.com/StricklySoft/tokengate/pkg/errors"
	"github.com/StricklySoft/tokengate/pkg/metrics"
	"github.com/StricklySoft/tokengate/pkg/servicetoken"
)

var testToken = servicetoken.Token{
	Scope:       "https://org.crm.dynamics.com/.default",
	AccessToken: "svc-token-1",
	TokenType:   "Bearer",
	ExpiresAt:   time.Now().Add(time.Hour),
}

type doFunc func(*http.Request) (*http.Response, error)

func (f doFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

// resourceAPI starts a server that answers every request with handler and
// counts the requests it receives.
func resourceAPI(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	tgtest.RequireErrorCode(t, err, sserr.CodeValidationRequired)

	_, err = New(Config{BaseURL: "/relative"})
	tgtest.RequireErrorCode(t, err, sserr.CodeValidation)
}

func TestCall_Success(t *testing.T) {
	t.Parallel()

	reqs := make(chan *http.Request, 1)
	srv, _ := resourceAPI(t, func(w http.ResponseWriter, r *http.Request) {
		reqs <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{"name":"Contoso"}]}`))
	})
	c := newTestClient(t, Config{BaseURL: srv.URL + "/api/data/v9.2"})

	resp, err := c.Call(context.Background(), testToken, Request{
		Path:  "accounts",
		Query: url.Values{"$top": {"5"}, "$select": {"name"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got := <-reqs
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/api/data/v9.2/accounts", got.URL.Path)
	assert.Equal(t, "5", got.URL.Query().Get("$top"))
	assert.Equal(t, "name", got.URL.Query().Get("$select"))
	assert.Equal(t, "Bearer svc-token-1", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "4.0", got.Header.Get("OData-MaxVersion"))
	assert.Equal(t, "4.0", got.Header.Get("OData-Version"))

	var payload struct {
		Value []struct {
			Name string `json:"name"`
		} `json:"value"`
	}
	require.NoError(t, resp.Decode(&payload))
	require.Len(t, payload.Value, 1)
	assert.Equal(t, "Contoso", payload.Value[0].Name)
}

func TestCall_HeadersAndBody(t *testing.T) {
	t.Parallel()

	type captured struct {
		req  *http.Request
		body string
	}
	reqs := make(chan captured, 1)
	srv, _ := resourceAPI(t, func(w http.ResponseWriter, r *http.Request) {
		b := new(strings.Builder)
		_, _ = io.Copy(b, r.Body)
		reqs <- captured{r.Clone(context.Background()), b.String()}
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, Config{
		BaseURL: srv.URL,
		Headers: map[string]string{"X-Api-Version": "2"},
	})

	_, err := c.Call(context.Background(), testToken, Request{
		Method: http.MethodPost,
		Path:   "/things",
		Header: http.Header{"Prefer": {"return=minimal"}, "Authorization": {"Basic nope"}},
		Body:   []byte(`{"name":"x"}`),
	})
	require.NoError(t, err)

	seen := <-reqs
	got := seen.req
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, `{"name":"x"}`, seen.body)
	assert.Equal(t, "2", got.Header.Get("X-Api-Version"))
	assert.Empty(t, got.Header.Get("OData-Version"))
	assert.Equal(t, "return=minimal", got.Header.Get("Prefer"))
	assert.Equal(t, "Bearer svc-token-1", got.Header.Get("Authorization"))
}

func TestCall_ErrorStatusBodyVerbatim(t *testing.T) {
	t.Parallel()

	const body = `{"error":{"code":"0x80072321","message":"Service is temporarily unavailable."}}`
	srv, _ := resourceAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(body))
	})
	c := newTestClient(t, Config{BaseURL: srv.URL})

	resp, err := c.Call(context.Background(), testToken, Request{Path: "accounts"})
	assert.Nil(t, resp)
	e := tgtest.RequireErrorCode(t, err, sserr.CodeDownstreamStatus)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Equal(t, body, Body(err))
	assert.Equal(t, http.StatusBadGateway, e.HTTPStatus())
}

func TestCall_TransportFailures(t *testing.T) {
	t.Parallel()

	t.Run("connect", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := newTestClient(t, Config{BaseURL: srv.URL})

		_, err := c.Call(context.Background(), testToken, Request{})
		tgtest.RequireErrorCode(t, err, sserr.CodeDownstreamTransport)
		assert.Equal(t, KindConnect, Kind(err))
	})

	t.Run("dns", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, Config{
			BaseURL: "https://org.invalid",
			HTTPClient: doFunc(func(r *http.Request) (*http.Response, error) {
				return nil, &url.Error{Op: "Get", URL: r.URL.String(), Err: &net.OpError{
					Op:  "dial",
					Net: "tcp",
					Err: &net.DNSError{Err: "no such host", Name: "org.invalid", IsNotFound: true},
				}}
			}),
		})

		_, err := c.Call(context.Background(), testToken, Request{})
		tgtest.RequireErrorCode(t, err, sserr.CodeDownstreamTransport)
		assert.Equal(t, KindDNS, Kind(err))
	})

	t.Run("tls", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewTLSServer(http.NotFoundHandler())
		t.Cleanup(srv.Close)
		// The default client does not trust the test certificate.
		c := newTestClient(t, Config{BaseURL: srv.URL})

		_, err := c.Call(context.Background(), testToken, Request{})
		tgtest.RequireErrorCode(t, err, sserr.CodeDownstreamTransport)
		assert.Equal(t, KindTLS, Kind(err))
	})
}

func TestCall_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv, _ := resourceAPI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })
	c := newTestClient(t, Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})

	_, err := c.Call(context.Background(), testToken, Request{})
	e := tgtest.RequireErrorCode(t, err, sserr.CodeDownstreamTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, e.HTTPStatus())
}

func TestCall_MissingToken(t *testing.T) {
	t.Parallel()

	srv, hits := resourceAPI(t, func(w http.ResponseWriter, _ *http.Request) {})
	c := newTestClient(t, Config{BaseURL: srv.URL})

	_, err := c.Call(context.Background(), servicetoken.Token{}, Request{})
	tgtest.RequireErrorCode(t, err, sserr.CodeValidationRequired)
	assert.Zero(t, hits.Load())
}

func TestResponse_DecodeFailure(t *testing.T) {
	t.Parallel()

	srv, _ := resourceAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>login</html>"))
	})
	c := newTestClient(t, Config{BaseURL: srv.URL})

	resp, err := c.Call(context.Background(), testToken, Request{})
	require.NoError(t, err)
	var v map[string]any
	tgtest.RequireErrorCode(t, resp.Decode(&v), sserr.CodeDownstreamDecode)
}

func TestCall_CircuitBreaker(t *testing.T) {
	t.Parallel()

	t.Run("opens on server errors", func(t *testing.T) {
		t.Parallel()
		srv, hits := resourceAPI(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		c := newTestClient(t, Config{
			BaseURL: srv.URL,
			Breaker: &BreakerConfig{Threshold: 2, Timeout: time.Minute},
		})

		for range 2 {
			_, err := c.Call(context.Background(), testToken, Request{})
			tgtest.RequireErrorCode(t, err, sserr.CodeDownstreamStatus)
		}
		_, err := c.Call(context.Background(), testToken, Request{})
		e := tgtest.RequireErrorCode(t, err, sserr.CodeDownstreamCircuitOpen)
		assert.Equal(t, http.StatusBadGateway, e.HTTPStatus())
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("client errors do not trip", func(t *testing.T) {
		t.Parallel()
		srv, hits := resourceAPI(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		c := newTestClient(t, Config{
			BaseURL: srv.URL,
			Breaker: &BreakerConfig{Threshold: 2, Timeout: time.Minute},
		})

		for range 4 {
			_, err := c.Call(context.Background(), testToken, Request{})
			tgtest.RequireErrorCode(t, err, sserr.CodeDownstreamStatus)
		}
		assert.Equal(t, int32(4), hits.Load())
	})
}

func TestCall_Metrics(t *testing.T) {
	t.Parallel()

	srv, _ := resourceAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	reg := prometheus.NewRegistry()
	c := newTestClient(t, Config{BaseURL: srv.URL, Metrics: metrics.New("", reg)})

	_, err := c.Call(context.Background(), testToken, Request{Path: "ok"})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), testToken, Request{Path: "fail"})
	require.Error(t, err)

	expected := `
# HELP tokengate_downstream_requests_total Downstream API calls by status class
# TYPE tokengate_downstream_requests_total counter
tokengate_downstream_requests_total{class="2xx"} 1
tokengate_downstream_requests_total{class="5xx"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tokengate_downstream_requests_total"))
}
