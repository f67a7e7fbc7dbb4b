package engine

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

// statusCoder is any error that knows its downstream representation. The
// selector's cooldown error implements it without being a StatusError.
type statusCoder interface {
	error
	StatusCode() int
	Headers() http.Header
}

// writeError renders a pipeline error as the downstream JSON body and
// reports what was written. Errors without a status become a 500.
func writeError(w http.ResponseWriter, err error) Outcome {
	var se *protocol.StatusError
	if errors.As(err, &se) {
		return writeErrorBody(w, se.StatusCode(), se.Headers(), []byte(se.Error()))
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return writeErrorBody(w, sc.StatusCode(), sc.Headers(), []byte(sc.Error()))
	}
	body, mErr := sonic.Marshal(map[string]any{
		"error": map[string]any{"kind": "internal", "message": err.Error()},
	})
	if mErr != nil {
		body = []byte(`{"error":{"kind":"internal"}}`)
	}
	return writeErrorBody(w, http.StatusInternalServerError, nil, body)
}

func writeErrorBody(w http.ResponseWriter, status int, extra http.Header, body []byte) Outcome {
	h := w.Header()
	for name, values := range extra {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	parsed := gjson.ParseBytes(body)
	return Outcome{
		Status:       status,
		ErrorKind:    parsed.Get("error.kind").String(),
		ErrorMessage: parsed.Get("error.message").String(),
	}
}

// writeFailure relays a final upstream failure downstream. Transport
// failures become a 502; HTTP failures keep the upstream status, with
// non-JSON bodies normalized so downstream callers always get JSON.
func writeFailure(w http.ResponseWriter, f *provider.Failure) Outcome {
	if f == nil {
		return writeError(w, protocol.NewStatusError(http.StatusBadGateway, protocol.KindUpstreamTransport, "upstream attempt never completed"))
	}
	if f.Transport != nil {
		return writeError(w, protocol.NewStatusError(http.StatusBadGateway, protocol.KindUpstreamTransport, f.Transport.Message))
	}
	body := f.HTTP.Body
	if !gjson.ValidBytes(body) {
		normalized, err := sonic.Marshal(map[string]any{
			"error": map[string]any{
				"kind":            protocol.KindUpstreamParse,
				"message":         truncateMessage(string(body), 2048),
				"upstream_status": f.HTTP.Status,
			},
		})
		if err == nil {
			body = normalized
		} else {
			body = []byte(`{"error":{"kind":"upstream_parse","message":"unreadable upstream error"}}`)
		}
	}
	return writeErrorBody(w, f.HTTP.Status, nil, body)
}

// failureKind labels a failed attempt for its trace record.
func failureKind(f *provider.Failure) string {
	if f.Transport != nil {
		return protocol.KindUpstreamTransport
	}
	return "upstream_status"
}

// failureMessage is the trace-record detail of a failed attempt.
func failureMessage(f *provider.Failure) string {
	if f.Transport != nil {
		return f.Transport.Message
	}
	return "upstream status " + strconv.Itoa(f.HTTP.Status) + ": " + truncateMessage(string(f.HTTP.Body), 512)
}

func truncateMessage(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
