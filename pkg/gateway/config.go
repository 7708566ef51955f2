package gateway

import (
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/StricklySoft/tokengate/pkg/auth"
	"github.com/StricklySoft/tokengate/pkg/downstream"
	sserr "github.com/StricklySoft/tokengate/pkg/errors"
	"github.com/StricklySoft/tokengate/pkg/keyset"
	"github.com/StricklySoft/tokengate/pkg/servicetoken"
)

// Config is the gateway's configuration. Load it with the config package;
// environment variable names match the ones the service has always used
// (BACKEND_AUDIENCE, TENANT_ID, BACKEND_CLIENT_ID, ...).
//
// Example tokengate.yaml:
//
//	port: 5001
//	inbound:
//	  audience: api://5d1f0f4e-0000-0000-0000-000000000000
//	serviceToken:
//	  tenantId: 72f988bf-0000-0000-0000-000000000000
//	  clientId: 0c8e0a5a-0000-0000-0000-000000000000
//	downstream:
//	  resourceUrl: https://org.crm.dynamics.com
type Config struct {
	Port            int           `yaml:"port" json:"port" env:"PORT" envDefault:"5001"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `yaml:"logLevel" json:"logLevel" env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment  bool          `yaml:"logDevelopment" json:"logDevelopment" env:"LOG_DEVELOPMENT"`

	Inbound      InboundConfig      `yaml:"inbound" json:"inbound"`
	Keys         KeysConfig         `yaml:"keys" json:"keys"`
	ServiceToken ServiceTokenConfig `yaml:"serviceToken" json:"serviceToken"`
	Downstream   DownstreamConfig   `yaml:"downstream" json:"downstream"`
	Tracing      TracingConfig      `yaml:"tracing" json:"tracing"`
}

// InboundConfig is the validation policy for caller tokens.
type InboundConfig struct {
	Audience          string        `yaml:"audience" json:"audience" env:"BACKEND_AUDIENCE" required:"true"`
	IssuerTemplates   []string      `yaml:"issuerTemplates" json:"issuerTemplates" env:"TRUSTED_ISSUERS" envDefault:"https://login.microsoftonline.com/{tid}/v2.0,https://sts.windows.net/{tid}/"`
	AllowedAlgorithms []string      `yaml:"allowedAlgorithms" json:"allowedAlgorithms" env:"ALLOWED_ALGORITHMS" envDefault:"RS256"`
	ClockSkew         time.Duration `yaml:"clockSkew" json:"clockSkew" env:"CLOCK_SKEW" envDefault:"5m"`
	TenantClaim       string        `yaml:"tenantClaim" json:"tenantClaim" env:"TENANT_CLAIM" envDefault:"tid"`
}

// KeysConfig locates and caches the signing key set.
type KeysConfig struct {
	JWKSURL           string        `yaml:"jwksUrl" json:"jwksUrl" env:"JWKS_URL" envDefault:"https://login.microsoftonline.com/common/discovery/v2.0/keys"`
	DiscoveryURL      string        `yaml:"discoveryUrl" json:"discoveryUrl" env:"OIDC_DISCOVERY_URL"`
	TTL               time.Duration `yaml:"ttl" json:"ttl" env:"JWKS_CACHE_TTL" envDefault:"10m"`
	GracePeriod       time.Duration `yaml:"gracePeriod" json:"gracePeriod" env:"JWKS_GRACE_PERIOD" envDefault:"1h"`
	RequestsPerMinute int           `yaml:"requestsPerMinute" json:"requestsPerMinute" env:"JWKS_REQUESTS_PER_MINUTE" envDefault:"5"`
}

// ServiceTokenConfig holds the service principal used for downstream
// calls.
type ServiceTokenConfig struct {
	Authority      string              `yaml:"authority" json:"authority" env:"AUTHORITY_HOST" envDefault:"https://login.microsoftonline.com"`
	TenantID       string              `yaml:"tenantId" json:"tenantId" env:"TENANT_ID" required:"true"`
	ClientID       string              `yaml:"clientId" json:"clientId" env:"BACKEND_CLIENT_ID" required:"true"`
	ClientSecret   servicetoken.Secret `yaml:"clientSecret" json:"clientSecret" env:"BACKEND_CLIENT_SECRET" required:"true"`
	TokenURL       string              `yaml:"tokenUrl" json:"tokenUrl" env:"TOKEN_URL"`
	SafetyMargin   time.Duration       `yaml:"safetyMargin" json:"safetyMargin" env:"TOKEN_SAFETY_MARGIN" envDefault:"60s"`
	RequestTimeout time.Duration       `yaml:"requestTimeout" json:"requestTimeout" env:"TOKEN_REQUEST_TIMEOUT" envDefault:"10s"`

	// RedisURL enables the shared token store, e.g. redis://cache:6379/0.
	RedisURL       string `yaml:"redisUrl" json:"redisUrl" env:"REDIS_URL"`
	RedisKeyPrefix string `yaml:"redisKeyPrefix" json:"redisKeyPrefix" env:"REDIS_KEY_PREFIX"`
}

// DownstreamConfig describes the resource API call.
type DownstreamConfig struct {
	ResourceURL      string        `yaml:"resourceUrl" json:"resourceUrl" env:"DATAVERSE_URL" required:"true"`
	Scope            string        `yaml:"scope" json:"scope" env:"DOWNSTREAM_SCOPE"`
	Path             string        `yaml:"path" json:"path" env:"DOWNSTREAM_PATH" envDefault:"/api/data/v9.2/accounts"`
	Query            string        `yaml:"query" json:"query" env:"DOWNSTREAM_QUERY" envDefault:"$top=5&$select=name"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout" env:"DOWNSTREAM_TIMEOUT" envDefault:"30s"`
	BreakerEnabled   bool          `yaml:"breakerEnabled" json:"breakerEnabled" env:"DOWNSTREAM_BREAKER_ENABLED"`
	BreakerThreshold int           `yaml:"breakerThreshold" json:"breakerThreshold" env:"DOWNSTREAM_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerTimeout   time.Duration `yaml:"breakerTimeout" json:"breakerTimeout" env:"DOWNSTREAM_BREAKER_TIMEOUT" envDefault:"30s"`
}

// TracingConfig controls span export. Spans are recorded but dropped when
// Endpoint is empty.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `yaml:"insecure" json:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName string  `yaml:"serviceName" json:"serviceName" env:"OTEL_SERVICE_NAME" envDefault:"tokengate"`
	SampleRate  float64 `yaml:"sampleRate" json:"sampleRate" env:"OTEL_SAMPLE_RATE" envDefault:"1"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return sserr.Validationf("gateway: port %d out of range", c.Port)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return sserr.Wrapf(err, sserr.CodeValidation, "gateway: invalid log level %q", c.LogLevel)
	}
	if len(c.Inbound.IssuerTemplates) == 0 {
		return sserr.New(sserr.CodeValidationRequired, "gateway: at least one trusted issuer is required")
	}
	if c.Keys.JWKSURL == "" && c.Keys.DiscoveryURL == "" {
		return sserr.New(sserr.CodeValidationRequired, "gateway: JWKS_URL or OIDC_DISCOVERY_URL is required")
	}
	for name, raw := range map[string]string{
		"JWKS_URL":           c.Keys.JWKSURL,
		"OIDC_DISCOVERY_URL": c.Keys.DiscoveryURL,
		"AUTHORITY_HOST":     c.ServiceToken.Authority,
		"TOKEN_URL":          c.ServiceToken.TokenURL,
		"DATAVERSE_URL":      c.Downstream.ResourceURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return sserr.Validationf("gateway: %s %q is not an absolute URL", name, raw)
		}
	}
	if c.ServiceToken.TokenURL == "" && c.ServiceToken.Authority == "" {
		return sserr.New(sserr.CodeValidationRequired, "gateway: AUTHORITY_HOST or TOKEN_URL is required")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return sserr.Validationf("gateway: OTEL_SAMPLE_RATE %v must be between 0 and 1", c.Tracing.SampleRate)
	}
	if _, err := url.ParseQuery(c.Downstream.Query); err != nil {
		return sserr.Wrapf(err, sserr.CodeValidation, "gateway: invalid DOWNSTREAM_QUERY %q", c.Downstream.Query)
	}
	return nil
}

// TokenURL returns the client-credentials endpoint: TOKEN_URL when set,
// otherwise <authority>/<tenant>/oauth2/v2.0/token.
func (c *Config) TokenURL() string {
	if c.ServiceToken.TokenURL != "" {
		return c.ServiceToken.TokenURL
	}
	return strings.TrimRight(c.ServiceToken.Authority, "/") + "/" +
		url.PathEscape(c.ServiceToken.TenantID) + "/oauth2/v2.0/token"
}

// Scope returns the downstream scope: DOWNSTREAM_SCOPE when set, otherwise
// the resource URL with "/.default" appended.
func (c *Config) Scope() string {
	if c.Downstream.Scope != "" {
		return c.Downstream.Scope
	}
	return strings.TrimRight(c.Downstream.ResourceURL, "/") + "/.default"
}

// PolicyConfig returns the inbound token validation rules.
func (c *Config) PolicyConfig() auth.PolicyConfig {
	return auth.PolicyConfig{
		ExpectedAudience:  c.Inbound.Audience,
		IssuerTemplates:   c.Inbound.IssuerTemplates,
		AllowedAlgorithms: c.Inbound.AllowedAlgorithms,
		ClockSkew:         c.Inbound.ClockSkew,
		TenantClaim:       c.Inbound.TenantClaim,
	}
}

// KeySetConfig returns the key cache settings. Logger and Metrics are left
// for the caller.
func (c *Config) KeySetConfig() keyset.Config {
	return keyset.Config{
		JWKSURL:           c.Keys.JWKSURL,
		DiscoveryURL:      c.Keys.DiscoveryURL,
		TTL:               c.Keys.TTL,
		GracePeriod:       c.Keys.GracePeriod,
		RequestsPerMinute: c.Keys.RequestsPerMinute,
	}
}

// BrokerConfig returns the service token broker settings. Store, Logger
// and Metrics are left for the caller.
func (c *Config) BrokerConfig() servicetoken.Config {
	return servicetoken.Config{
		TokenURL:       c.TokenURL(),
		ClientID:       c.ServiceToken.ClientID,
		ClientSecret:   c.ServiceToken.ClientSecret,
		SafetyMargin:   c.ServiceToken.SafetyMargin,
		RequestTimeout: c.ServiceToken.RequestTimeout,
	}
}

// DownstreamClientConfig returns the resource API client settings.
func (c *Config) DownstreamClientConfig() downstream.Config {
	dc := downstream.Config{
		BaseURL: c.Downstream.ResourceURL,
		Timeout: c.Downstream.Timeout,
	}
	if c.Downstream.BreakerEnabled {
		dc.Breaker = &downstream.BreakerConfig{
			Threshold: c.Downstream.BreakerThreshold,
			Timeout:   c.Downstream.BreakerTimeout,
		}
	}
	return dc
}

// DownstreamRequest returns the call made for every inbound request.
func (c *Config) DownstreamRequest() downstream.Request {
	q, _ := url.ParseQuery(c.Downstream.Query)
	return downstream.Request{Path: c.Downstream.Path, Query: q}
}
