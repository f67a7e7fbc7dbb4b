// Package codex implements the ChatGPT Codex backend kind. The upstream only
// streams its responses surface, so non-stream generates are resolved by the
// engine through stream collection; token counting is answered locally with
// the bundled BPE tables.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	defaultBase   = "https://chatgpt.com/backend-api/codex"
	defaultIssuer = "https://auth.openai.com"
	clientID      = "app_EMoamEEZ73f0CkXaXp7hrann"
	clientVersion = "0.99.0"
)

type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Kind() models.ProviderKind { return models.ProviderKindCodex }

func (p *Provider) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
	return protocol.DispatchTable{
		protocol.OpClaudeGenerateStream: protocol.Transform(protocol.ProtoOpenAIResponse),
		protocol.OpClaudeCountTokens:    protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpClaudeModelsList:     protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpClaudeModelsGet:      protocol.Transform(protocol.ProtoOpenAI),

		protocol.OpGeminiGenerateStream: protocol.Transform(protocol.ProtoOpenAIResponse),
		protocol.OpGeminiCountTokens:    protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpGeminiModelsList:     protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpGeminiModelsGet:      protocol.Transform(protocol.ProtoOpenAI),

		protocol.OpOpenAIChatGenerateStream: protocol.Transform(protocol.ProtoOpenAIResponse),

		protocol.OpOpenAIResponseGenerateStream: protocol.Native(),
		protocol.OpOpenAIInputTokens:            protocol.Native(),
		protocol.OpOpenAIModelsList:             protocol.Native(),
		protocol.OpOpenAIModelsGet:              protocol.Native(),

		protocol.OpOAuthStart:    protocol.Native(),
		protocol.OpOAuthCallback: protocol.Native(),
		protocol.OpUsage:         protocol.Native(),
	}
}

func codexSecret(call *provider.Call) (*provider.CodexSecret, error) {
	if call.Secret == nil || call.Secret.Codex == nil {
		return nil, fmt.Errorf("codex: credential carries no oauth token")
	}
	return call.Secret.Codex, nil
}

// LocalResponse answers input-token counts; the backend has no counting
// endpoint.
func (p *Provider) LocalResponse(call *provider.Call) (*provider.Response, bool, error) {
	if call.Op != protocol.OpOpenAIInputTokens {
		return nil, false, nil
	}
	n, err := provider.CountInputTokens(call.Body)
	if err != nil {
		return nil, false, fmt.Errorf("codex: count input tokens: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"object":       "response.input_tokens",
		"input_tokens": n,
	})
	if err != nil {
		return nil, false, fmt.Errorf("codex: encode token count: %w", err)
	}
	return provider.JSONResponse(http.StatusOK, body), true, nil
}

func (p *Provider) BuildRequest(call *provider.Call) (*provider.Request, error) {
	cred, err := codexSecret(call)
	if err != nil {
		return nil, err
	}
	base := provider.ResolveBase(call.Settings, defaultBase)

	var req *provider.Request
	switch call.Op {
	case protocol.OpOpenAIResponseGenerate, protocol.OpOpenAIResponseGenerateStream:
		if call.Compact {
			req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/responses/compact"), call)
			req.Body = compactBody(call.Body)
		} else {
			req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/responses"), call)
			req.Body = responsesBody(call.Body)
		}
	case protocol.OpOpenAIModelsList, protocol.OpOpenAIModelsGet:
		req = provider.NewRequest(http.MethodGet, modelsURL(base), call)
	default:
		return nil, fmt.Errorf("codex: operation %s cannot be rendered", call.Op)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("chatgpt-account-id", cred.AccountID)
	return req, nil
}

// The catalog endpoint serves both list and get; the get answer is carved
// out of the listing afterwards.
func modelsURL(base string) string {
	return provider.JoinURL(base, "/models") + "?client_version=" + clientVersion
}

// responsesBody applies the upstream contract: a bare string input becomes a
// one-message item list, persistence and token caps are stripped along with
// the sampling knobs the backend rejects, and instructions is always present.
func responsesBody(body []byte) []byte {
	out := body
	if input := gjson.GetBytes(out, "input"); input.Type == gjson.String {
		items := []map[string]any{{
			"type":    "message",
			"role":    "user",
			"content": input.String(),
		}}
		if b, err := sjson.SetBytes(out, "input", items); err == nil {
			out = b
		}
	}
	if b, err := sjson.SetBytes(out, "store", false); err == nil {
		out = b
	}
	for _, field := range []string{"max_output_tokens", "stream_options", "temperature", "top_p"} {
		if b, err := sjson.DeleteBytes(out, field); err == nil {
			out = b
		}
	}
	return ensureInstructions(out)
}

// compactBody prepares the unary compact call.
func compactBody(body []byte) []byte {
	out := body
	if b, err := sjson.SetBytes(out, "stream", false); err == nil {
		out = b
	}
	if b, err := sjson.DeleteBytes(out, "stream_options"); err == nil {
		out = b
	}
	return ensureInstructions(out)
}

func ensureInstructions(body []byte) []byte {
	if gjson.GetBytes(body, "instructions").Exists() {
		return body
	}
	if out, err := sjson.SetBytes(body, "instructions", ""); err == nil {
		return out
	}
	return body
}

// NormalizeResponse reshapes catalog payloads into OpenAI model listings and
// wraps bare compact output in a response envelope. Payloads already in the
// downstream shape pass through untouched.
func (p *Provider) NormalizeResponse(call *provider.Call, body []byte) ([]byte, error) {
	switch call.Op {
	case protocol.OpOpenAIResponseGenerate:
		if call.Compact {
			return wrapCompactResponse(call.Model, body), nil
		}
	case protocol.OpOpenAIModelsList:
		return normalizeModelList(body), nil
	case protocol.OpOpenAIModelsGet:
		return normalizeModelGet(body, normalizeModelID(call.Model)), nil
	}
	return body, nil
}

func isOpenAIModelList(body []byte) bool {
	return gjson.GetBytes(body, "object").String() == "list" &&
		gjson.GetBytes(body, "data").IsArray()
}

func isOpenAIModelValue(item gjson.Result) bool {
	return item.Get("object").String() == "model" &&
		item.Get("id").Type == gjson.String &&
		item.Get("owned_by").Type == gjson.String
}

func normalizeModelList(body []byte) []byte {
	if isOpenAIModelList(body) {
		return body
	}
	rows, ok := catalogRows(body)
	if !ok {
		return body
	}
	out, err := json.Marshal(map[string]any{"object": "list", "data": rows})
	if err != nil {
		return body
	}
	return out
}

func normalizeModelGet(body []byte, target string) []byte {
	if isOpenAIModelValue(gjson.ParseBytes(body)) {
		return body
	}
	if isOpenAIModelList(body) {
		if raw, ok := findModelRaw(gjson.GetBytes(body, "data"), target); ok {
			return raw
		}
		return body
	}
	if rows, ok := catalogRows(body); ok {
		for _, row := range rows {
			if id, _ := row["id"].(string); normalizeModelID(id) == target {
				if raw, err := json.Marshal(row); err == nil {
					return raw
				}
			}
		}
		return body
	}
	if raw, ok := singleModelValue(body); ok {
		return raw
	}
	return body
}

// catalogRows maps the codex {"models":[...]} payload to OpenAI model rows.
func catalogRows(body []byte) ([]map[string]any, bool) {
	models := gjson.GetBytes(body, "models")
	if !models.IsArray() {
		return nil, false
	}
	var rows []map[string]any
	models.ForEach(func(_, item gjson.Result) bool {
		if row, ok := catalogRow(item); ok {
			rows = append(rows, row)
		}
		return true
	})
	return rows, true
}

func catalogRow(item gjson.Result) (map[string]any, bool) {
	if !item.IsObject() {
		return nil, false
	}
	id := item.Get("id")
	if id.Type != gjson.String {
		id = item.Get("slug")
	}
	if id.Type != gjson.String {
		return nil, false
	}
	ownedBy := item.Get("owned_by").String()
	if ownedBy == "" {
		ownedBy = "openai"
	}
	row := map[string]any{
		"id":       id.String(),
		"object":   "model",
		"owned_by": ownedBy,
	}
	if created := item.Get("created"); created.Type == gjson.Number {
		row["created"] = created.Int()
	}
	if display := item.Get("display_name"); display.Type == gjson.String {
		row["display_name"] = display.String()
	}
	return row, true
}

func findModelRaw(data gjson.Result, target string) ([]byte, bool) {
	var raw []byte
	data.ForEach(func(_, item gjson.Result) bool {
		if normalizeModelID(item.Get("id").String()) == target {
			raw = []byte(item.Raw)
			return false
		}
		return true
	})
	return raw, raw != nil
}

// singleModelValue recognizes the one-model payload shapes the backend has
// been seen to answer model lookups with.
func singleModelValue(body []byte) ([]byte, bool) {
	root := gjson.ParseBytes(body)
	if row, ok := catalogRow(root); ok {
		raw, err := json.Marshal(row)
		return raw, err == nil
	}
	if model := root.Get("model"); model.IsObject() {
		if row, ok := catalogRow(model); ok {
			raw, err := json.Marshal(row)
			return raw, err == nil
		}
	}
	if data := root.Get("data"); data.IsArray() {
		items := data.Array()
		if len(items) == 1 {
			if isOpenAIModelValue(items[0]) {
				return []byte(items[0].Raw), true
			}
			if row, ok := catalogRow(items[0]); ok {
				raw, err := json.Marshal(row)
				return raw, err == nil
			}
		}
	}
	if list := root.Get("models"); list.IsArray() {
		items := list.Array()
		if len(items) == 1 {
			if row, ok := catalogRow(items[0]); ok {
				raw, err := json.Marshal(row)
				return raw, err == nil
			}
		}
	}
	return nil, false
}

// wrapCompactResponse turns the compact endpoint's bare output into a full
// response object so downstream decoding stays uniform.
func wrapCompactResponse(model string, body []byte) []byte {
	root := gjson.ParseBytes(body)
	if root.Get("object").String() == "response" &&
		root.Get("id").Type == gjson.String &&
		root.Get("model").Type == gjson.String &&
		root.Get("created_at").Type == gjson.Number {
		return body
	}
	output := root.Get("output")
	if !output.Exists() {
		return body
	}
	id := root.Get("id").String()
	if id == "" {
		id = "resp_compact"
	}
	createdAt := root.Get("created_at").Int()
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	if model == "" {
		model = "unknown"
	}
	wrapped := map[string]any{
		"id":         id,
		"object":     "response",
		"created_at": createdAt,
		"status":     "completed",
		"model":      model,
		"output":     json.RawMessage(output.Raw),
	}
	if usage := root.Get("usage"); usage.Exists() {
		wrapped["usage"] = json.RawMessage(usage.Raw)
	}
	out, err := json.Marshal(wrapped)
	if err != nil {
		return body
	}
	return out
}

func normalizeModelID(model string) string {
	model = strings.TrimPrefix(model, "/")
	return strings.TrimPrefix(model, "models/")
}

// FetchUsage reads the account rate-limit report. The usage surface lives
// beside the codex root, not under it.
func (p *Provider) FetchUsage(ctx context.Context, client *http.Client, call *provider.Call) (*provider.Response, error) {
	cred, err := codexSecret(call)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(provider.ResolveBase(call.Settings, defaultBase), "/codex")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/wham/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("codex: build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("chatgpt-account-id", cred.AccountID)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex: fetch usage: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("codex: read usage response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("codex: usage endpoint answered %d: %s", resp.StatusCode, truncate(payload))
	}
	return provider.JSONResponse(http.StatusOK, payload), nil
}

func truncate(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
