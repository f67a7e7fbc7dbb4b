package engine

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/ModelProxyAPI/internal/metrics"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/router-for-me/ModelProxyAPI/internal/sse"
	"github.com/router-for-me/ModelProxyAPI/internal/translate"
	"github.com/router-for-me/ModelProxyAPI/internal/usage"
)

// relayResult annotates the attempt's trace record after the response was
// handed downstream. Empty on a clean exchange.
type relayResult struct {
	errKind    string
	errMessage string
}

// deliver writes an upstream response downstream, bridging dialect and call
// shape per the plan. A non-nil failure means nothing reached the downstream
// yet and run may fail over.
func (e *Engine) deliver(ctx context.Context, w http.ResponseWriter, in *Inbound, pl plan, impl provider.Impl, call *provider.Call, resp *provider.Response) (Outcome, *provider.Failure, relayResult) {
	if pl.stream {
		if resp.Stream == nil {
			return writeError(w, protocol.NewStatusError(http.StatusBadGateway, protocol.KindExpectedStreamBody, "upstream answered a stream call without a body")), nil, relayResult{}
		}
		if pl.mode == shapeCollect {
			return e.collectStream(w, in, pl, impl, call, resp)
		}
		return e.relayStream(ctx, w, in, pl, impl, call, resp)
	}

	body := resp.Body
	if rn, ok := impl.(provider.ResponseNormalizer); ok {
		normalized, err := rn.NormalizeResponse(call, body)
		if err != nil {
			return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindTransformResponseFailed, err.Error())), nil, relayResult{}
		}
		body = normalized
	}
	if counters, ok := usage.FromBody(usage.KindForOp(pl.op), body); ok {
		e.recordUsage(in, pl, call, counters)
	}

	if pl.mode == shapeExplode {
		return e.explodeStream(w, in, pl, body)
	}

	out, err := convertResponseBody(in, pl, body)
	if err != nil {
		return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindTransformResponseFailed, err.Error())), nil, relayResult{}
	}
	if in.Aggregate {
		out = restoreBodyPrefix(in, out)
	}
	writeJSON(w, resp.Status, resp.Header, out)
	return Outcome{Status: resp.Status}, nil, relayResult{}
}

// convertResponseBody crosses the upstream body into the downstream dialect
// when the dispatch rule was a transform. Native bodies pass through.
func convertResponseBody(in *Inbound, pl plan, body []byte) ([]byte, error) {
	if pl.rule.Kind != protocol.RuleTransform {
		return body, nil
	}
	downstream := in.Proto()
	switch {
	case in.Op.IsGenerate():
		src, err := translate.ForProto(pl.proto)
		if err != nil {
			return nil, err
		}
		dst, err := translate.ForProto(downstream)
		if err != nil {
			return nil, err
		}
		neutral, err := src.ParseResponse(body)
		if err != nil {
			return nil, err
		}
		if neutral.Model == "" {
			neutral.Model = in.Model
		}
		return dst.BuildResponse(neutral)
	case isCountOp(in.Op):
		return translate.CountResponse(pl.proto, downstream, body)
	case isModelsListOp(in.Op):
		rows, err := translate.ParseModelsList(pl.proto, body)
		if err != nil {
			return nil, err
		}
		return translate.BuildModelsList(downstream, rows)
	case isModelsGetOp(in.Op):
		row, err := translate.ParseModel(pl.proto, body)
		if err != nil {
			return nil, err
		}
		return translate.BuildModel(downstream, *row)
	}
	return body, nil
}

// prefixModel restores the aggregate form of a model id. Ids that already
// carry the prefix, or are empty, pass through unchanged.
func prefixModel(provider, model string) string {
	if model == "" || model == provider || strings.HasPrefix(model, provider+"/") {
		return model
	}
	return protocol.JoinProviderModel(provider, model)
}

// restoreBodyPrefix puts the provider prefix back into response model ids on
// aggregate routes, so callers see the id they asked for.
func restoreBodyPrefix(in *Inbound, body []byte) []byte {
	prefixed := prefixModel(in.Provider, in.Model)
	switch {
	case in.Op.IsGenerate():
		if gjson.GetBytes(body, "model").Exists() {
			if out, err := sjson.SetBytes(body, "model", prefixed); err == nil {
				body = out
			}
		}
	case isModelsListOp(in.Op):
		rows, err := translate.ParseModelsList(in.Proto(), body)
		if err != nil {
			return body
		}
		for i := range rows {
			rows[i].ID = prefixModel(in.Provider, rows[i].ID)
		}
		if out, err := translate.BuildModelsList(in.Proto(), rows); err == nil {
			body = out
		}
	case isModelsGetOp(in.Op):
		if in.Proto() == protocol.ProtoGemini {
			if gjson.GetBytes(body, "name").Exists() {
				if out, err := sjson.SetBytes(body, "name", "models/"+prefixed); err == nil {
					body = out
				}
			}
			return body
		}
		if gjson.GetBytes(body, "id").Exists() {
			if out, err := sjson.SetBytes(body, "id", prefixed); err == nil {
				body = out
			}
		}
	}
	return body
}

// restoreEventPrefix rewrites the model id inside one downstream stream
// event on aggregate routes. Each dialect reports it in its own spot.
func restoreEventPrefix(in *Inbound, data []byte) []byte {
	prefixed := prefixModel(in.Provider, in.Model)
	var path string
	switch in.Proto() {
	case protocol.ProtoClaude:
		path = "message.model"
	case protocol.ProtoOpenAIChat:
		path = "model"
	case protocol.ProtoOpenAIResponse:
		path = "response.model"
	default:
		return data
	}
	if !gjson.GetBytes(data, path).Exists() {
		return data
	}
	if out, err := sjson.SetBytes(data, path, prefixed); err == nil {
		return out
	}
	return data
}

func writeJSON(w http.ResponseWriter, status int, upstream http.Header, body []byte) {
	sse.CopyHeaders(w.Header(), upstream)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// recordUsage persists one token accounting row for a generate attempt.
func (e *Engine) recordUsage(in *Inbound, pl plan, call *provider.Call, c usage.Counters) {
	if c == (usage.Counters{}) {
		return
	}
	metrics.AddUsage(in.Provider, in.Model, c.InputTokens, c.OutputTokens, c.TotalTokens)
	if e.usage == nil {
		return
	}
	e.usage.Record(&models.UpstreamUsage{
		At:                       time.Now(),
		TraceID:                  in.TraceID,
		Provider:                 in.Provider,
		CredentialID:             call.Ctx.CredentialID,
		UserID:                   in.UserID,
		UserKeyID:                in.UserKeyID,
		Operation:                pl.op.String(),
		Model:                    in.Model,
		InputTokens:              c.InputTokens,
		OutputTokens:             c.OutputTokens,
		CacheReadInputTokens:     c.CacheReadInputTokens,
		CacheCreationInputTokens: c.CacheCreationInputTokens,
		TotalTokens:              c.TotalTokens,
	})
}
