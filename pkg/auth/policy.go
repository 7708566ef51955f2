package auth

import (
	"strings"
	"time"

	sserr "github.com/StricklySoft/tokengate/pkg/errors"
)

// TenantPlaceholder is substituted with the token's tenant claim in issuer
// templates.
const TenantPlaceholder = "{tid}"

// Default issuer templates for Microsoft Entra ID: the v2.0 endpoint and
// the v1.0 security token service.
var DefaultIssuerTemplates = []string{
	"https://login.microsoftonline.com/{tid}/v2.0",
	"https://sts.windows.net/{tid}/",
}

// PolicyConfig is the input to [NewPolicy].
type PolicyConfig struct {
	// ExpectedAudience must appear in the token's aud claim. Required.
	ExpectedAudience string

	// IssuerTemplates lists trusted issuers. Each may contain
	// [TenantPlaceholder]. Required.
	IssuerTemplates []string

	// AllowedAlgorithms defaults to RS256. "none" and HMAC algorithms are
	// rejected: the key set only carries public keys.
	AllowedAlgorithms []string

	// ClockSkew is the tolerance applied to exp, nbf and iat.
	ClockSkew time.Duration

	// TenantClaim names the claim holding the tenant id. Defaults to "tid".
	TenantClaim string
}

// Policy is the immutable set of rules a token must satisfy. Build one with
// [NewPolicy]; it is safe to share between goroutines.
type Policy struct {
	audience    string
	issuers     []string
	algorithms  map[string]struct{}
	clockSkew   time.Duration
	tenantClaim string
}

// NewPolicy validates cfg and returns a Policy.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if strings.TrimSpace(cfg.ExpectedAudience) == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: expected audience is required")
	}
	if cfg.ClockSkew < 0 {
		return nil, sserr.New(sserr.CodeValidation, "auth: clock skew must not be negative")
	}

	issuers := make([]string, 0, len(cfg.IssuerTemplates))
	for _, tpl := range cfg.IssuerTemplates {
		if tpl = strings.TrimSpace(tpl); tpl != "" {
			issuers = append(issuers, tpl)
		}
	}
	if len(issuers) == 0 {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: at least one issuer template is required")
	}

	algs := cfg.AllowedAlgorithms
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	allowed := make(map[string]struct{}, len(algs))
	for _, alg := range algs {
		switch {
		case strings.EqualFold(alg, "none"):
			return nil, sserr.New(sserr.CodeValidation, `auth: algorithm "none" cannot be allowed`)
		case strings.HasPrefix(alg, "HS"):
			return nil, sserr.Newf(sserr.CodeValidation,
				"auth: symmetric algorithm %q cannot be allowed", alg)
		}
		allowed[alg] = struct{}{}
	}

	tenantClaim := cfg.TenantClaim
	if tenantClaim == "" {
		tenantClaim = "tid"
	}

	return &Policy{
		audience:    cfg.ExpectedAudience,
		issuers:     issuers,
		algorithms:  allowed,
		clockSkew:   cfg.ClockSkew,
		tenantClaim: tenantClaim,
	}, nil
}

// ExpectedAudience returns the audience tokens must carry.
func (p *Policy) ExpectedAudience() string { return p.audience }

// ClockSkew returns the time tolerance.
func (p *Policy) ClockSkew() time.Duration { return p.clockSkew }

// AllowsAlgorithm reports whether alg may sign tokens.
func (p *Policy) AllowsAlgorithm(alg string) bool {
	_, ok := p.algorithms[alg]
	return ok
}

// TrustsIssuer reports whether iss equals one of the issuer templates after
// substituting tenantID. Templates containing the placeholder never match
// when tenantID is empty.
func (p *Policy) TrustsIssuer(iss, tenantID string) bool {
	if iss == "" {
		return false
	}
	for _, tpl := range p.issuers {
		if strings.Contains(tpl, TenantPlaceholder) {
			if tenantID == "" {
				continue
			}
			tpl = strings.ReplaceAll(tpl, TenantPlaceholder, tenantID)
		}
		if iss == tpl {
			return true
		}
	}
	return false
}
