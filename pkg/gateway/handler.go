// Package gateway serves the protected API. Each request runs the token
// pipeline strictly in order: the caller's bearer token is verified, a
// service token for the downstream scope is obtained, and the resource API
// is called with it. The first failure ends the request and is translated
// into a status by [WriteError].
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/StricklySoft/tokengate/pkg/auth"
	"github.com/StricklySoft/tokengate/pkg/downstream"
	sserr "github.com/StricklySoft/tokengate/pkg/errors"
	"github.com/StricklySoft/tokengate/pkg/servicetoken"
)

// TokenSource supplies service tokens. *servicetoken.Broker implements it.
type TokenSource interface {
	GetToken(ctx context.Context, scope string) (servicetoken.Token, error)
	Invalidate(ctx context.Context, rejected servicetoken.Token)
}

// Caller calls the resource API. *downstream.Client implements it.
type Caller interface {
	Call(ctx context.Context, tok servicetoken.Token, req downstream.Request) (*downstream.Response, error)
}

var (
	_ TokenSource = (*servicetoken.Broker)(nil)
	_ Caller      = (*downstream.Client)(nil)
)

// Result is the success body of /api/get-data.
type Result struct {
	Message             string          `json:"message"`
	IdentitySubjectName string          `json:"identitySubjectName"`
	Subject             string          `json:"subject"`
	DownstreamPayload   json.RawMessage `json:"downstreamPayload"`
}

// Handler composes the downstream call with the verified caller identity.
type Handler struct {
	tokens  TokenSource
	api     Caller
	scope   string
	request downstream.Request
	logger  *zap.Logger
}

// NewHandler returns a Handler that calls req with tokens for scope.
func NewHandler(tokens TokenSource, api Caller, scope string, req downstream.Request, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		tokens:  tokens,
		api:     api,
		scope:   scope,
		request: req,
		logger:  logger.Named("gateway"),
	}
}

// ServeHTTP expects claims placed in the context by auth.Middleware.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, r, sserr.Unauthorized("request is not authenticated"))
		return
	}

	res, err := h.Handle(r.Context(), claims)
	if err != nil {
		h.logger.Warn("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("subject", claims.Subject),
			zap.String("code", sserr.GetCode(err).String()),
			zap.Error(err))
		WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Handle runs the service token and downstream stages for an already
// verified caller.
func (h *Handler) Handle(ctx context.Context, claims *auth.VerifiedClaims) (*Result, error) {
	tok, err := h.tokens.GetToken(ctx, h.scope)
	if err != nil {
		return nil, err
	}

	resp, err := h.api.Call(ctx, tok, h.request)
	if err != nil {
		if downstream.StatusCode(err) == http.StatusUnauthorized {
			// The resource API no longer accepts this token.
			h.tokens.Invalidate(ctx, tok)
		}
		return nil, err
	}

	payload, err := extractPayload(resp)
	if err != nil {
		return nil, err
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}
	h.logger.Info("downstream call succeeded",
		zap.String("request_id", RequestIDFromContext(ctx)),
		zap.String("subject", claims.Subject))

	return &Result{
		Message:             "Hello " + name + "! API call successful.",
		IdentitySubjectName: name,
		Subject:             claims.Subject,
		DownstreamPayload:   payload,
	}, nil
}

// extractPayload returns the OData "value" collection when the body has
// one, the whole body otherwise, and null for an empty body.
func extractPayload(resp *downstream.Response) (json.RawMessage, error) {
	if len(resp.Body) == 0 {
		return json.RawMessage("null"), nil
	}
	var raw json.RawMessage
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}
	var envelope map[string]json.RawMessage
	if json.Unmarshal(raw, &envelope) == nil {
		if v, ok := envelope["value"]; ok {
			return v, nil
		}
	}
	return raw, nil
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteError writes err as {"code","message","details"} with the status of
// its category. Authentication failures carry a WWW-Authenticate
// challenge. Internal errors are reported without their message.
func WriteError(w http.ResponseWriter, _ *http.Request, err error) {
	e := sserr.FromError(err)
	status := e.HTTPStatus()

	body := errorBody{Code: e.Code.String(), Message: e.Message, Details: e.Details}
	if sserr.IsInternal(e) {
		body.Message = "an unexpected error occurred"
		body.Details = nil
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", auth.Challenge(e))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
