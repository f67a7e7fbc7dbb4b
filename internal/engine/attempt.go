package engine

import (
	"context"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/ModelProxyAPI/internal/events"
	"github.com/router-for-me/ModelProxyAPI/internal/metrics"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
	"github.com/router-for-me/ModelProxyAPI/internal/translate"
)

// run drives the credential failover loop: pick, attempt, classify, mark,
// and either answer downstream or move to the next credential.
func (e *Engine) run(ctx context.Context, w http.ResponseWriter, in *Inbound, snap *store.Snapshot, view *store.ProviderView, impl provider.Impl, pl plan) Outcome {
	var last *provider.Failure
	for attemptNo := 1; attemptNo <= attemptBudget; attemptNo++ {
		if attemptNo > 1 && !sleepBackoff(ctx, attemptNo-1) {
			break
		}
		cred, err := e.selector.Pick(snap, in.Provider, in.Model, time.Now())
		if err != nil {
			if last != nil {
				// The pool ran out mid-failover; the upstream failure is the
				// more useful answer.
				return writeFailure(w, last)
			}
			return writeError(w, err)
		}

		outcome, failure := e.attempt(ctx, w, in, view, impl, pl, cred, attemptNo)
		if failure == nil {
			return outcome
		}
		last = failure
		decision := decideUnavailable(impl, failure, in.Model, time.Now())
		e.health.Mark(cred.ID, in.Model, decision)
		if decision.Mark {
			metrics.ObserveCooldown(in.Provider, string(decision.Reason))
		}

		if !failure.IsRetryable() || !in.Op.IsGenerate() {
			break
		}
		if !e.selector.HasCandidate(snap, in.Provider, in.Model, time.Now()) {
			break
		}
	}
	return writeFailure(w, last)
}

func decideUnavailable(impl provider.Impl, f *provider.Failure, model string, now time.Time) provider.UnavailableDecision {
	if d, ok := impl.(provider.UnavailableDecider); ok {
		return d.DecideUnavailable(f, model, now)
	}
	return provider.DecideUnavailable(f, model, now)
}

// sleepBackoff waits out the failover backoff. It returns false when the
// downstream went away first.
func sleepBackoff(ctx context.Context, retry int) bool {
	t := time.NewTimer(provider.RetryBackoff(retry))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// attempt runs one credential through dispatch. A nil failure means the
// downstream response was written, whether success or a terminal error; a
// non-nil failure asks run to classify and possibly fail over.
func (e *Engine) attempt(ctx context.Context, w http.ResponseWriter, in *Inbound, view *store.ProviderView, impl provider.Impl, pl plan, cred *store.CredentialView, attemptNo int) (Outcome, *provider.Failure) {
	client := e.client(view.Settings)

	// Calls answering a unary downstream get the configured deadline, even
	// when the upstream leg streams. Only relays that stream end to end live
	// as long as the downstream connection does.
	if !pl.stream || pl.mode == shapeCollect {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout())
		defer cancel()
	}

	if tr, ok := impl.(provider.TokenRefresher); ok {
		changed, err := tr.Refresh(ctx, client, cred.Secret, false)
		if err != nil {
			log.WithError(err).WithField("credential_id", cred.ID).Debug("engine: pre-dispatch token refresh failed")
		} else if changed {
			e.persistSecret(ctx, cred)
		}
	}

	call, err := e.buildCall(in, pl, view, cred, attemptNo)
	if err != nil {
		return writeError(w, err), nil
	}

	if lr, ok := impl.(provider.LocalResponder); ok {
		resp, handled, lErr := lr.LocalResponse(call)
		if lErr != nil {
			return writeError(w, lErr), nil
		}
		if handled {
			outcome, _, _ := e.deliver(ctx, w, in, pl, impl, call, resp)
			return outcome, nil
		}
	}

	req, err := impl.BuildRequest(call)
	if err != nil {
		return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidDispatchState, err.Error())), nil
	}

	started := time.Now()
	resp, failure := e.do(ctx, client, req, pl.stream)
	if failure != nil {
		var repairedReq *provider.Request
		resp, failure, repairedReq = e.repair(ctx, client, impl, call, cred, failure, pl.stream)
		if repairedReq != nil {
			req = repairedReq
		}
	}

	if failure != nil {
		e.recordAttempt(in, pl, cred, attemptNo, req, started, failure.Status(), failureKind(failure), failureMessage(failure), nil)
		return Outcome{}, failure
	}

	outcome, dFailure, rr := e.deliver(ctx, w, in, pl, impl, call, resp)
	if dFailure != nil {
		// The stream died before the first downstream byte; run can still
		// fail over to another credential.
		e.recordAttempt(in, pl, cred, attemptNo, req, started, dFailure.Status(), failureKind(dFailure), failureMessage(dFailure), nil)
		return Outcome{}, dFailure
	}
	e.recordAttempt(in, pl, cred, attemptNo, req, started, resp.Status, rr.errKind, rr.errMessage, resp.Body)
	return outcome, nil
}

// repair gives the provider two shots at salvaging a failed attempt with the
// same credential: its own retry hook once, then a forced token refresh when
// the upstream rejected the credential. Either one re-dispatches at most
// once.
func (e *Engine) repair(ctx context.Context, client *http.Client, impl provider.Impl, call *provider.Call, cred *store.CredentialView, failure *provider.Failure, stream bool) (*provider.Response, *provider.Failure, *provider.Request) {
	var lastReq *provider.Request
	if fr, ok := impl.(provider.FailureRetrier); ok {
		action, err := fr.RetryAfterFailure(ctx, client, call, failure)
		switch {
		case err != nil:
			log.WithError(err).WithField("provider", call.Ctx.Provider).Debug("engine: failure retry hook errored")
		case action != provider.AuthRetryNone:
			if action == provider.AuthRetryUpdated {
				e.persistSecret(ctx, cred)
			}
			req, buildErr := impl.BuildRequest(call)
			if buildErr != nil {
				log.WithError(buildErr).Debug("engine: rebuild after retry hook failed")
				break
			}
			lastReq = req
			resp, f := e.do(ctx, client, req, stream)
			if f == nil {
				return resp, nil, req
			}
			failure = f
		}
	}
	if failure.IsAuth() {
		if tr, ok := impl.(provider.TokenRefresher); ok {
			changed, err := tr.Refresh(ctx, client, cred.Secret, true)
			switch {
			case err != nil:
				log.WithError(err).WithField("credential_id", cred.ID).Debug("engine: forced token refresh failed")
			case changed:
				e.persistSecret(ctx, cred)
				req, buildErr := impl.BuildRequest(call)
				if buildErr != nil {
					log.WithError(buildErr).Debug("engine: rebuild after token refresh failed")
					break
				}
				lastReq = req
				resp, f := e.do(ctx, client, req, stream)
				return resp, f, req
			}
		}
	}
	return nil, failure, lastReq
}

func (e *Engine) persistSecret(ctx context.Context, cred *store.CredentialView) {
	if err := e.store.PersistSecret(ctx, cred.ID, cred.Secret); err != nil {
		log.WithError(err).WithField("credential_id", cred.ID).Warn("engine: persist refreshed secret")
	}
}

// buildCall assembles the upstream call: the body in the provider's dialect
// with the aggregate prefix stripped, the forwardable query, and the attempt
// metadata.
func (e *Engine) buildCall(in *Inbound, pl plan, view *store.ProviderView, cred *store.CredentialView, attemptNo int) (*provider.Call, error) {
	body := in.Body
	if pl.rule.Kind == protocol.RuleTransform {
		converted, err := transformRequest(in, pl)
		if err != nil {
			return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindTransformRequestFailed, err.Error())
		}
		body = converted
	} else if len(body) > 0 {
		// Aggregate routes carry the provider-prefixed id inside the body.
		if in.Model != "" && gjson.GetBytes(body, "model").Exists() {
			if rewritten, err := sjson.SetBytes(body, "model", in.Model); err == nil {
				body = rewritten
			}
		}
		// Shape bridging flips the stream flag. Gemini bodies carry none;
		// the operation's URL action decides there.
		if pl.mode != shapeDirect && pl.proto != protocol.ProtoGemini {
			if rewritten, err := sjson.SetBytes(body, "stream", pl.stream); err == nil {
				body = rewritten
			}
		}
	}

	query := cloneValues(in.Query)
	if pl.stream && pl.proto == protocol.ProtoGemini {
		// Gemini streams are consumed as SSE regardless of the downstream
		// framing.
		if query == nil {
			query = url.Values{}
		}
		query.Set("alt", "sse")
	}

	credID := cred.ID
	return &provider.Call{
		Ctx: provider.UpstreamCtx{
			TraceID:      in.TraceID,
			UserID:       in.UserID,
			UserKeyID:    in.UserKeyID,
			UserAgent:    in.UserAgent,
			Provider:     in.Provider,
			CredentialID: &credID,
			Op:           pl.op,
			AttemptNo:    attemptNo,
		},
		Op:       pl.op,
		Stream:   pl.stream,
		Compact:  in.Compact,
		Model:    in.Model,
		Body:     body,
		Query:    query,
		Header:   in.Header,
		Settings: view.Settings,
		Secret:   cred.Secret,
	}, nil
}

// transformRequest converts the downstream body into the plan's dialect.
// Model listing ops carry no body.
func transformRequest(in *Inbound, pl plan) ([]byte, error) {
	downstream := in.Proto()
	switch {
	case in.Op.IsGenerate():
		src, err := translate.ForProto(downstream)
		if err != nil {
			return nil, err
		}
		dst, err := translate.ForProto(pl.proto)
		if err != nil {
			return nil, err
		}
		req, err := src.ParseRequest(in.Body)
		if err != nil {
			return nil, err
		}
		req.Model = in.Model
		req.Stream = pl.stream
		return dst.BuildRequest(req)
	case isCountOp(in.Op):
		return translate.CountRequest(downstream, pl.proto, in.Model, in.Body)
	default:
		return nil, nil
	}
}

func isCountOp(op protocol.Operation) bool {
	return op == protocol.OpClaudeCountTokens || op == protocol.OpGeminiCountTokens || op == protocol.OpOpenAIInputTokens
}

func isModelsListOp(op protocol.Operation) bool {
	return op == protocol.OpClaudeModelsList || op == protocol.OpGeminiModelsList || op == protocol.OpOpenAIModelsList
}

func isModelsGetOp(op protocol.Operation) bool {
	return op == protocol.OpClaudeModelsGet || op == protocol.OpGeminiModelsGet || op == protocol.OpOpenAIModelsGet
}

// recordAttempt persists one upstream trace row. Response bodies are only
// captured for unary exchanges; stream payloads are not buffered.
func (e *Engine) recordAttempt(in *Inbound, pl plan, cred *store.CredentialView, attemptNo int, req *provider.Request, started time.Time, status int, errKind, errMessage string, respBody []byte) {
	metrics.ObserveAttempt(in.Provider, pl.op.String(), status)
	if e.events == nil {
		return
	}
	redact := redactEnabled()
	credID := cred.ID
	row := &models.UpstreamRequest{
		At:           started,
		TraceID:      in.TraceID,
		UserID:       in.UserID,
		UserKeyID:    in.UserKeyID,
		Provider:     in.Provider,
		CredentialID: &credID,
		AttemptNo:    attemptNo,
		Operation:    pl.op.String(),
		Model:        in.Model,
		Status:       status,
		ErrorKind:    errKind,
		ErrorMessage: errMessage,
		DurationMs:   time.Since(started).Milliseconds(),
	}
	if req != nil {
		row.Method = req.Method
		row.URL = events.RedactURL(req.URL, redact)
		row.RequestHeaders = events.RedactHeaders(req.Header, redact)
		row.RequestBody = events.CaptureBody(req.Body, redact)
	}
	row.ResponseBody = events.CaptureBody(respBody, redact)
	e.events.RecordUpstream(row)
}

func cloneValues(q url.Values) url.Values {
	if len(q) == 0 {
		return nil
	}
	out := make(url.Values, len(q))
	for k, vs := range q {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
