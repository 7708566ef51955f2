package errors

import (
	"fmt"
	"maps"
	"net/http"
	"strings"
)

// Error is the error type returned across tokengate. The boundary turns
// it into a response with [Error.HTTPStatus]; Message and Details go to the
// client unless the category is INT, so neither may hold credentials.
//
// Treat values as read-only. WithDetail and WithDetails return copies.
type Error struct {
	Code    Code
	Message string
	Cause   error

	// Details are diagnostics for the caller, for example the downstream
	// "status" and "body" or the "reason" a grant failed.
	Details map[string]any
}

// categoryStatus maps a code category to its response status. Unknown
// categories answer 500.
var categoryStatus = map[string]int{
	"VAL":     http.StatusBadRequest,
	"AUTH":    http.StatusUnauthorized,
	"INT":     http.StatusInternalServerError,
	"UNAVAIL": http.StatusServiceUnavailable,
	"GATEWAY": http.StatusBadGateway,
	"TIMEOUT": http.StatusGatewayTimeout,
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus is the status the gateway answers with for e.
func (e *Error) HTTPStatus() int {
	if status, ok := categoryStatus[e.Code.Category()]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Detail looks up one entry of Details.
func (e *Error) Detail(key string) (any, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// WithDetails copies e and merges details over the existing ones.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+len(details))
	maps.Copy(cp.Details, e.Details)
	maps.Copy(cp.Details, details)
	return &cp
}

// WithDetail is WithDetails for a single key.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// Format supports %s, %q and %v. %+v adds details and the cause chain
// for logs:
//
//	GATEWAY_001 "downstream returned 503" details=map[status:503] cause=<nil>
func (e *Error) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+'):
		fmt.Fprintf(s, "%s %q", e.Code, e.Message)
		if len(e.Details) > 0 {
			fmt.Fprintf(s, " details=%v", e.Details)
		}
		fmt.Fprintf(s, " cause=%+v", e.Cause)
	case verb == 'q':
		fmt.Fprintf(s, "%q", e.Error())
	default:
		fmt.Fprint(s, e.Error())
	}
}
