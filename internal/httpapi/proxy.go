package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/router-for-me/ModelProxyAPI/internal/auth"
	"github.com/router-for-me/ModelProxyAPI/internal/engine"
	"github.com/router-for-me/ModelProxyAPI/internal/events"
	"github.com/router-for-me/ModelProxyAPI/internal/metrics"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/ratelimit"
	"github.com/router-for-me/ModelProxyAPI/internal/settings"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// maxRequestBody caps buffered downstream payloads.
const maxRequestBody = 64 * 1024 * 1024

// mintTraceID returns a fresh v7 trace id. Inbound trace headers are
// ignored; the gateway is the sole authority on trace identity.
func mintTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// proxy builds the handler for one classified route. The flow is auth,
// rate limit, strip, classify, resolve provider, dispatch, record.
func (s *Server) proxy(aggregate bool, cls classifyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := mintTraceID()
		c.Header("x-trace-id", traceID)

		in := &engine.Inbound{
			TraceID:   traceID,
			UserAgent: c.Request.UserAgent(),
		}
		rec := &models.DownstreamRequest{
			At:        start.UTC(),
			TraceID:   traceID,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			UserAgent: in.UserAgent,
		}

		key, src := auth.ExtractKey(c.Request)
		view, errAuth := auth.Authenticate(s.store.Load(), key)
		if errAuth != nil {
			s.finish(c, rec, writeAuthError(c, errAuth), start, nil)
			return
		}
		in.UserID = &view.UserID
		in.UserKeyID = &view.ID
		rec.UserID = in.UserID
		rec.UserKeyID = in.UserKeyID

		if outcome, limited := s.enforceLimit(c, view); limited {
			s.finish(c, rec, outcome, start, nil)
			return
		}

		// Credential carriers must never reach upstream calls or trace rows.
		auth.StripKeyMaterial(c.Request)

		body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
		if errRead != nil {
			outcome := writeStatusError(c, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest, "read request body: "+errRead.Error()))
			s.finish(c, rec, outcome, start, nil)
			return
		}

		cl, errClassify := cls(c, body, src)
		if errClassify != nil {
			s.finish(c, rec, writeStatusError(c, errClassify), start, body)
			return
		}
		in.Op = cl.op
		in.Compact = cl.compact
		in.Model = cl.model
		in.Body = body
		in.Query = c.Request.URL.Query()
		in.Header = forwardableHeaders(c.Request.Header)
		rec.Operation = cl.op.String()
		rec.Model = cl.model

		var outcome engine.Outcome
		switch {
		case aggregate && isModelsListOp(cl.op):
			outcome = s.engine.FanOutModels(c.Request.Context(), c.Writer, in)
		case aggregate:
			providerName, model, errSplit := protocol.SplitProviderModel(cl.model)
			if errSplit != nil {
				outcome = writeStatusError(c, protocol.NewStatusError(http.StatusBadRequest, protocol.KindMissingProviderPrefix,
					"model reference needs a provider/ prefix: "+cl.model))
				s.finish(c, rec, outcome, start, body)
				return
			}
			in.Provider = providerName
			in.Model = model
			in.Aggregate = true
			rec.Provider = providerName
			outcome = s.engine.Execute(c.Request.Context(), c.Writer, in)
		default:
			in.Provider = c.Param("provider")
			rec.Provider = in.Provider
			outcome = s.engine.Execute(c.Request.Context(), c.Writer, in)
		}
		s.finish(c, rec, outcome, start, body)
	}
}

// enforceLimit applies the per-key rate limit. The second return is true
// when the request was rejected and already answered.
func (s *Server) enforceLimit(c *gin.Context, view *store.UserKeyView) (engine.Outcome, bool) {
	if s.limits == nil {
		return engine.Outcome{}, false
	}
	decision := ratelimit.ResolveLimit(view)
	key := ratelimit.KeyForDecision(decision)
	if key == "" {
		return engine.Outcome{}, false
	}
	res, errAllow := s.limits.Allow(c.Request.Context(), key, decision.Limit)
	if errAllow != nil {
		// Limiter trouble never blocks traffic.
		return engine.Outcome{}, false
	}
	if res.Allowed {
		return engine.Outcome{}, false
	}
	metrics.RateLimited.Inc()
	retryAfter := int(time.Until(res.Reset).Seconds()) + 1
	if retryAfter < 1 {
		retryAfter = 1
	}
	se := &protocol.StatusError{
		Code:    http.StatusTooManyRequests,
		Kind:    protocol.KindRateLimited,
		Message: "request rate limit exceeded",
		Header:  http.Header{"Retry-After": []string{strconv.Itoa(retryAfter)}},
	}
	return writeStatusError(c, se), true
}

// finish persists the downstream trace row and bumps the request counter.
func (s *Server) finish(c *gin.Context, rec *models.DownstreamRequest, outcome engine.Outcome, start time.Time, body []byte) {
	metrics.ObserveDownstream(rec.Operation, outcome.Status, outcome.ErrorKind)
	if s.sink == nil {
		return
	}
	redact := settings.Bool(settings.EventRedactSensitiveKey, settings.DefaultEventRedactSensitive)
	rec.Status = outcome.Status
	rec.ErrorKind = outcome.ErrorKind
	rec.ErrorMessage = outcome.ErrorMessage
	rec.Query = events.RedactQuery(c.Request.URL.RawQuery, redact)
	rec.RequestHeaders = events.RedactHeaders(c.Request.Header, redact)
	rec.RequestBody = events.CaptureBody(body, redact)
	rec.DurationMs = time.Since(start).Milliseconds()
	s.sink.RecordDownstream(rec)
}

// writeAuthError maps authentication failures onto their statuses.
func writeAuthError(c *gin.Context, err error) engine.Outcome {
	status := http.StatusUnauthorized
	kind := protocol.KindUnauthorized
	message := "missing or unknown api key"
	switch err {
	case auth.ErrKeyDisabled:
		status = http.StatusForbidden
		message = "api key disabled"
	case auth.ErrUserDisabled:
		status = http.StatusForbidden
		message = "user disabled"
	}
	return writeStatusError(c, protocol.NewStatusError(status, kind, message))
}

// writeStatusError renders a pipeline error and reports what was written.
func writeStatusError(c *gin.Context, err error) engine.Outcome {
	se, ok := err.(*protocol.StatusError)
	if !ok {
		se = protocol.NewStatusError(http.StatusInternalServerError, "internal", err.Error())
	}
	h := c.Writer.Header()
	for name, values := range se.Headers() {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	h.Set("Content-Type", "application/json")
	c.Writer.WriteHeader(se.StatusCode())
	_, _ = c.Writer.WriteString(se.Error())
	return engine.Outcome{Status: se.StatusCode(), ErrorKind: se.Kind, ErrorMessage: se.Message}
}

// forwardableHeaders keeps the subset of caller headers that may ride
// along to upstreams.
func forwardableHeaders(h http.Header) http.Header {
	out := make(http.Header)
	for _, name := range []string{"anthropic-version", "anthropic-beta"} {
		if v := h.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}

func isModelsListOp(op protocol.Operation) bool {
	switch op {
	case protocol.OpClaudeModelsList, protocol.OpGeminiModelsList, protocol.OpOpenAIModelsList:
		return true
	}
	return false
}
