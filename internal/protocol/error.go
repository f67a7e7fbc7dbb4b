package protocol

import (
	"encoding/json"
	"net/http"
)

// Error kind constants shared across the pipeline. Kinds are wire values;
// handlers map them to HTTP statuses via StatusError.
const (
	KindUnauthorized            = "unauthorized"
	KindMissingProviderPrefix   = "missing_provider_prefix"
	KindUnknownProvider         = "unknown_provider"
	KindUnknownGeminiAction     = "unknown_gemini_action"
	KindProviderDisabled        = "provider_disabled"
	KindCredentialNotFound      = "credential_not_found"
	KindCredentialDisabled      = "credential_disabled"
	KindUnsupportedOperation    = "unsupported_operation"
	KindNoActiveCredentials     = "no_active_credentials"
	KindUpstreamTransport       = "upstream_transport"
	KindUpstreamParse           = "upstream_parse"
	KindAuthorizationPending    = "authorization_pending"
	KindAmbiguousState          = "ambiguous_state"
	KindStateMismatch           = "state_mismatch"
	KindTransformRequestFailed  = "transform_request_failed"
	KindTransformResponseFailed = "transform_response_failed"
	KindEncodeResponseFailed    = "encode_response_failed"
	KindDecodeResponseFailed    = "decode_response_failed"
	KindUpstreamBodyMissing     = "upstream_body_missing"
	KindExpectedStreamBody      = "expected_stream_body"
	KindInvalidStreamProto      = "invalid_stream_proto"
	KindInvalidDispatchState    = "invalid_dispatch_state"
	KindRateLimited             = "rate_limited"
	KindInvalidRequest          = "invalid_request"
)

// StatusError is a pipeline error that knows its downstream representation.
// Error() returns the JSON body so callers can write it verbatim.
type StatusError struct {
	Code    int         // HTTP status.
	Kind    string      // Wire error kind.
	Message string      // Human-readable detail.
	Header  http.Header // Extra response headers, usually Retry-After.
}

// NewStatusError builds a StatusError without extra headers.
func NewStatusError(code int, kind, message string) *StatusError {
	return &StatusError{Code: code, Kind: kind, Message: message}
}

func (e *StatusError) Error() string {
	body, err := json.Marshal(map[string]any{
		"error": map[string]any{"kind": e.Kind, "message": e.Message},
	})
	if err != nil {
		return `{"error":{"kind":"internal"}}`
	}
	return string(body)
}

func (e *StatusError) StatusCode() int {
	if e.Code == 0 {
		return http.StatusInternalServerError
	}
	return e.Code
}

func (e *StatusError) Headers() http.Header {
	return e.Header
}
