package errors

// Code represents a machine-readable error code. Codes follow the pattern
// CATEGORY_NNN; the category prefix determines the HTTP status returned by
// [Error.HTTPStatus]. Codes are stable once assigned.
type Code string

// Error code categories and their HTTP statuses:
//
//	VAL_xxx     - Validation errors (400 Bad Request)
//	AUTH_xxx    - Authentication errors (401 Unauthorized)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	UNAVAIL_xxx - Dependency unavailable (503 Service Unavailable)
//	GATEWAY_xxx - Downstream failures (502 Bad Gateway)
//	TIMEOUT_xxx - Timeouts (504 Gateway Timeout)
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// Authentication errors (AUTH_xxx) - HTTP 401.
	// One code per token verification failure.

	// CodeAuthentication indicates missing or unusable credentials, such as
	// a request without a bearer token.
	CodeAuthentication Code = "AUTH_001"

	// CodeTokenMalformed indicates the token structure is invalid.
	CodeTokenMalformed Code = "AUTH_002"

	// CodeUnsupportedAlgorithm indicates the token's signing algorithm is
	// not permitted by the validation policy.
	CodeUnsupportedAlgorithm Code = "AUTH_003"

	// CodeUnknownSigningKey indicates no key in the signing key set matches
	// the token's key identifier, even after a forced refresh.
	CodeUnknownSigningKey Code = "AUTH_004"

	// CodeInvalidSignature indicates the signature does not verify.
	CodeInvalidSignature Code = "AUTH_005"

	// CodeTokenExpired indicates the token expired beyond the clock skew.
	CodeTokenExpired Code = "AUTH_006"

	// CodeTokenNotYetValid indicates nbf or iat lies in the future beyond
	// the clock skew.
	CodeTokenNotYetValid Code = "AUTH_007"

	// CodeAudienceMismatch indicates the token was issued for another
	// audience.
	CodeAudienceMismatch Code = "AUTH_008"

	// CodeUntrustedIssuer indicates the token issuer matches none of the
	// trusted issuer templates.
	CodeUntrustedIssuer Code = "AUTH_009"

	// CodeSigningKeysUnavailable indicates verification could not proceed
	// because no usable signing key set could be obtained.
	CodeSigningKeysUnavailable Code = "AUTH_010"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_002"

	// CodeUnavailable indicates a general dependency outage.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeKeyFetch indicates the signing key set could not be fetched and no
	// cached set within the grace window exists.
	CodeKeyFetch Code = "UNAVAIL_002"

	// CodeTokenAcquisition indicates the client-credentials grant failed.
	CodeTokenAcquisition Code = "UNAVAIL_003"

	// CodeDownstreamStatus indicates the downstream API answered with a
	// non-success status.
	CodeDownstreamStatus Code = "GATEWAY_001"

	// CodeDownstreamTransport indicates the downstream API could not be
	// reached (DNS, connect, TLS).
	CodeDownstreamTransport Code = "GATEWAY_002"

	// CodeDownstreamCircuitOpen indicates the downstream circuit breaker is
	// rejecting calls.
	CodeDownstreamCircuitOpen Code = "GATEWAY_003"

	// CodeDownstreamDecode indicates a success response whose body could not
	// be decoded.
	CodeDownstreamDecode Code = "GATEWAY_004"

	// CodeTimeout indicates a general timeout, including a caller giving up
	// while waiting for a shared fetch.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeDownstreamTimeout indicates the downstream call exceeded its
	// deadline.
	CodeDownstreamTimeout Code = "TIMEOUT_002"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
