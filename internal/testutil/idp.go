package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// Paths served by [IdentityProvider].
const (
	JWKSPath      = "/discovery/v2.0/keys"
	DiscoveryPath = "/.well-known/openid-configuration"
	TokenPath     = "/oauth2/v2.0/token"
)

type idpKey struct {
	method  jwt.SigningMethod
	private crypto.Signer
	jwk     jose.JSONWebKey
}

// TokenGrant records one request received by the token endpoint.
type TokenGrant struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Scope        string
}

// IdentityProvider is an httptest server that behaves like an OpenID
// Connect provider: it publishes a JWKS document and discovery metadata and
// answers client-credentials grants. Everything about it can be changed
// while the test runs.
type IdentityProvider struct {
	Server *httptest.Server

	mu         sync.Mutex
	keys       map[string]*idpKey
	published  []string
	jwksStatus int
	jwksBody   string
	jwksHits   int
	discHits   int

	tokenStatus   int
	tokenBody     string
	tokenLifetime time.Duration
	tokenGate     <-chan struct{}
	grants        []TokenGrant
}

// NewIdentityProvider starts a provider that is closed when the test ends.
// It publishes no keys until [IdentityProvider.AddRSAKey] or
// [IdentityProvider.AddECKey] is called.
func NewIdentityProvider(t testing.TB) *IdentityProvider {
	t.Helper()
	p := &IdentityProvider{
		keys:          make(map[string]*idpKey),
		tokenLifetime: time.Hour,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(JWKSPath, p.serveJWKS)
	mux.HandleFunc(DiscoveryPath, p.serveDiscovery)
	mux.HandleFunc(TokenPath, p.serveToken)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// URL returns the provider's base URL, which is also its discovery issuer.
func (p *IdentityProvider) URL() string { return p.Server.URL }

// JWKSURL returns the key set endpoint.
func (p *IdentityProvider) JWKSURL() string { return p.Server.URL + JWKSPath }

// TokenURL returns the token endpoint.
func (p *IdentityProvider) TokenURL() string { return p.Server.URL + TokenPath }

// AddRSAKey generates an RS256 key, publishes it under kid, and returns the
// private key.
func (p *IdentityProvider) AddRSAKey(t testing.TB, kid string) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "generate RSA key")
	p.addKey(kid, jwt.SigningMethodRS256, priv, &priv.PublicKey)
	return priv
}

// AddECKey generates an ES256 key and publishes it under kid.
func (p *IdentityProvider) AddECKey(t testing.TB, kid string) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "generate EC key")
	p.addKey(kid, jwt.SigningMethodES256, priv, &priv.PublicKey)
	return priv
}

func (p *IdentityProvider) addKey(kid string, method jwt.SigningMethod, priv crypto.Signer, pub crypto.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[kid] = &idpKey{
		method:  method,
		private: priv,
		jwk: jose.JSONWebKey{
			Key:       pub,
			KeyID:     kid,
			Algorithm: method.Alg(),
			Use:       "sig",
		},
	}
	p.published = append(p.published, kid)
}

// Unpublish removes kid from the JWKS document. The key can still sign, so
// tests can produce tokens for a key the provider no longer advertises.
func (p *IdentityProvider) Unpublish(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.published {
		if k == kid {
			p.published = append(p.published[:i], p.published[i+1:]...)
			return
		}
	}
}

// SetJWKSFailure makes the JWKS endpoint answer with status and body.
// A zero status restores normal behaviour.
func (p *IdentityProvider) SetJWKSFailure(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jwksStatus = status
	p.jwksBody = body
}

// JWKSRequests returns how many times the JWKS endpoint was hit.
func (p *IdentityProvider) JWKSRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jwksHits
}

// DiscoveryRequests returns how many times discovery metadata was fetched.
func (p *IdentityProvider) DiscoveryRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discHits
}

// Sign issues a token signed with the key published under kid. The kid
// header is set to kid.
func (p *IdentityProvider) Sign(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()
	p.mu.Lock()
	k, ok := p.keys[kid]
	p.mu.Unlock()
	require.True(t, ok, "unknown key %q", kid)
	return SignToken(t, k.method, k.private, kid, claims)
}

// SignToken signs claims with an arbitrary method and key. An empty kid
// leaves the header without one.
func SignToken(t testing.TB, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err, "sign token")
	return s
}

// SetTokenResponse makes the token endpoint answer with status and body. A
// zero status restores the default successful response.
func (p *IdentityProvider) SetTokenResponse(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
	p.tokenBody = body
}

// SetTokenLifetime sets expires_in for default token responses.
func (p *IdentityProvider) SetTokenLifetime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenLifetime = d
}

// HoldTokens makes the token endpoint block until gate is closed. Passing
// nil stops blocking.
func (p *IdentityProvider) HoldTokens(gate <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenGate = gate
}

// Grants returns the token requests received so far.
func (p *IdentityProvider) Grants() []TokenGrant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TokenGrant, len(p.grants))
	copy(out, p.grants)
	return out
}

func (p *IdentityProvider) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	p.jwksHits++
	status, body := p.jwksStatus, p.jwksBody
	set := jose.JSONWebKeySet{}
	for _, kid := range p.published {
		set.Keys = append(set.Keys, p.keys[kid].jwk)
	}
	p.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (p *IdentityProvider) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	p.discHits++
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"issuer":         p.Server.URL,
		"jwks_uri":       p.JWKSURL(),
		"token_endpoint": p.TokenURL(),
	})
}

func (p *IdentityProvider) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.grants = append(p.grants, TokenGrant{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Scope:        r.PostForm.Get("scope"),
	})
	n := len(p.grants)
	status, body := p.tokenStatus, p.tokenBody
	lifetime := p.tokenLifetime
	gate := p.tokenGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": fmt.Sprintf("svc-token-%d", n),
		"token_type":   "Bearer",
		"expires_in":   int(lifetime / time.Second),
		"scope":        r.PostForm.Get("scope"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
