package auth

import "time"

// VerifiedClaims is the identity asserted by a token that passed every
// check. It is only ever built by [Verifier.Verify].
type VerifiedClaims struct {
	Subject string `json:"sub"`

	// DisplayName is the "name" claim, or "preferred_username" when the
	// token has no name.
	DisplayName string `json:"name,omitempty"`

	TenantID  string    `json:"tid,omitempty"`
	Issuer    string    `json:"iss"`
	Audience  []string  `json:"aud"`
	ExpiresAt time.Time `json:"exp"`
	IssuedAt  time.Time `json:"iat,omitempty"`
}
