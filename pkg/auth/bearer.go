package auth

import "strings"

// HeaderAuthorization is the header (and gRPC metadata key) carrying the
// bearer token.
const HeaderAuthorization = "authorization"

const bearerPrefix = "Bearer "

// ExtractBearerToken returns the token from an Authorization header value.
// The scheme is matched case-insensitively. An empty result means the
// header is missing or uses another scheme.
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}
