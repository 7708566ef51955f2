package auth

import (
	"encoding/json"
	"net/http"

	sserr "github.com/StricklySoft/tokengate/pkg/errors"
)

// ErrorWriter renders a verification failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	writeError ErrorWriter
}

// WithErrorWriter replaces the default JSON 401 response.
func WithErrorWriter(fn ErrorWriter) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.writeError = fn
		}
	}
}

// Middleware verifies the request's bearer token and stores the resulting
// claims in the request context (see [ClaimsFromContext]). Requests
// without a valid token never reach next.
//
// Example:
//
//	r := chi.NewRouter()
//	r.With(auth.Middleware(verifier, policy)).Get("/api/get-data", h)
func Middleware(v *Verifier, policy *Policy, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{writeError: WriteError}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
			if raw == "" {
				cfg.writeError(w, r, sserr.Unauthorized("missing or invalid authorization header"))
				return
			}

			claims, err := v.Verify(r.Context(), raw, policy)
			if err != nil {
				cfg.writeError(w, r, err)
				return
			}

			ctx := ContextWithClaims(r.Context(), claims)
			ctx = contextWithRawToken(ctx, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteError writes err as {"code","message"} with the status of its
// category. Authentication failures carry a WWW-Authenticate challenge as
// described in RFC 6750; a request without credentials gets a bare
// challenge.
func WriteError(w http.ResponseWriter, _ *http.Request, err error) {
	e := sserr.FromError(err)
	status := e.HTTPStatus()

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", Challenge(e))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    e.Code.String(),
		"message": e.Message,
	})
}

// Challenge returns the WWW-Authenticate value for an authentication error.
func Challenge(e *sserr.Error) string {
	if e.Code == sserr.CodeAuthentication {
		return "Bearer"
	}
	return `Bearer error="invalid_token"`
}
