// Package errors provides the structured error type used across tokengate.
// Every failure produced by the token pipeline is an *Error carrying a
// machine-readable [Code], so that the boundary layer can translate it into
// a transport status without string matching.
//
// # Error Categories
//
// Codes are grouped by category prefix, and each category maps to exactly
// one HTTP status:
//
//   - VAL: invalid input or configuration values (400)
//   - AUTH: inbound bearer token could not be verified (401)
//   - INT: unexpected internal failures (500)
//   - UNAVAIL: a dependency such as the identity provider is unavailable (503)
//   - GATEWAY: the downstream resource API failed (502)
//   - TIMEOUT: an operation or dependency exceeded its deadline (504)
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.CodeUntrustedIssuer, "issuer is not trusted")
//
// Wrap an existing error:
//
//	err := errors.Wrap(err, errors.CodeKeyFetch, "keyset: fetch failed")
//
// Attach diagnostic details:
//
//	err = err.WithDetail("status", 503)
//
// Inspect:
//
//	if errors.IsAuthentication(err) {
//	    // respond 401
//	}
package errors
