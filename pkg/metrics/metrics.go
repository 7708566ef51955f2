// Package metrics holds the Prometheus collectors shared by the tokengate
// components. A nil *Collectors is valid and records nothing, so components
// can be built without metrics in tests.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is the metric namespace used when none is given.
const DefaultNamespace = "tokengate"

// Collectors groups every tokengate metric.
type Collectors struct {
	keysetFetchTotal    *prometheus.CounterVec
	keysetFallbackTotal prometheus.Counter
	keysetKeys          prometheus.Gauge

	verifyTotal *prometheus.CounterVec

	tokenCacheTotal      *prometheus.CounterVec
	tokenAcquireTotal    *prometheus.CounterVec
	tokenAcquireDuration prometheus.Histogram
	downstreamTotal      *prometheus.CounterVec
	downstreamDuration   prometheus.Histogram
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused, so New may be called more than once
// against the same registry. A nil reg leaves the collectors unregistered.
func New(namespace string, reg prometheus.Registerer) *Collectors {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collectors{
		keysetFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "fetch_total",
			Help:      "Signing key set fetch attempts by result",
		}, []string{"result"}),
		keysetFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "stale_fallback_total",
			Help:      "Times a stale key set was served because a refresh failed",
		}),
		keysetKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "keys",
			Help:      "Number of usable keys in the current key set",
		}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "verify_total",
			Help:      "Inbound token verifications by outcome",
		}, []string{"outcome"}),
		tokenCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "servicetoken",
			Name:      "cache_total",
			Help:      "Service token lookups by cache result",
		}, []string{"result"}),
		tokenAcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "servicetoken",
			Name:      "acquire_total",
			Help:      "Client-credentials grants by result",
		}, []string{"result"}),
		tokenAcquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "servicetoken",
			Name:      "acquire_duration_seconds",
			Help:      "Client-credentials grant latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		downstreamTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downstream",
			Name:      "requests_total",
			Help:      "Downstream API calls by status class",
		}, []string{"class"}),
		downstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "downstream",
			Name:      "request_duration_seconds",
			Help:      "Downstream API call latency",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Gateway HTTP requests by route and status",
		}, []string{"route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Gateway HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	if reg != nil {
		c.keysetFetchTotal = register(reg, c.keysetFetchTotal)
		c.keysetFallbackTotal = register(reg, c.keysetFallbackTotal)
		c.keysetKeys = register(reg, c.keysetKeys)
		c.verifyTotal = register(reg, c.verifyTotal)
		c.tokenCacheTotal = register(reg, c.tokenCacheTotal)
		c.tokenAcquireTotal = register(reg, c.tokenAcquireTotal)
		c.tokenAcquireDuration = register(reg, c.tokenAcquireDuration)
		c.downstreamTotal = register(reg, c.downstreamTotal)
		c.downstreamDuration = register(reg, c.downstreamDuration)
		c.httpRequestsTotal = register(reg, c.httpRequestsTotal)
		c.httpRequestDuration = register(reg, c.httpRequestDuration)
	}
	return c
}

// register registers col, returning the previously registered collector
// when an identical one already exists.
func register[C prometheus.Collector](reg prometheus.Registerer, col C) C {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return col
}

// KeySetFetched records a key set fetch attempt. result is "ok" or a
// failure reason such as "network" or "rate_limited".
func (c *Collectors) KeySetFetched(result string, keys int) {
	if c == nil {
		return
	}
	c.keysetFetchTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		c.keysetKeys.Set(float64(keys))
	}
}

// KeySetFallback records that a stale key set was served.
func (c *Collectors) KeySetFallback() {
	if c == nil {
		return
	}
	c.keysetFallbackTotal.Inc()
}

// TokenVerified records a verification outcome: "ok" or an error code.
func (c *Collectors) TokenVerified(outcome string) {
	if c == nil {
		return
	}
	c.verifyTotal.WithLabelValues(outcome).Inc()
}

// ServiceTokenLookup records a service token cache hit or miss.
func (c *Collectors) ServiceTokenLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.tokenCacheTotal.WithLabelValues(result).Inc()
}

// ServiceTokenAcquired records a grant attempt. result is "ok" or the
// failure reason.
func (c *Collectors) ServiceTokenAcquired(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.tokenAcquireTotal.WithLabelValues(result).Inc()
	c.tokenAcquireDuration.Observe(d.Seconds())
}

// DownstreamCalled records a downstream call. status is 0 when no response
// was received.
func (c *Collectors) DownstreamCalled(status int, d time.Duration) {
	if c == nil {
		return
	}
	c.downstreamTotal.WithLabelValues(StatusClass(status)).Inc()
	c.downstreamDuration.Observe(d.Seconds())
}

// HTTPRequest records a request served by the gateway.
func (c *Collectors) HTTPRequest(route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// StatusClass maps an HTTP status to "2xx".."5xx", or "error" when no
// response was received.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
