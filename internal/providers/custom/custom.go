// Package custom renders calls against operator-declared endpoints that
// speak one of the built-in wire dialects. Unlike the fixed kinds, nothing
// here is hardcoded: the dispatch table, base URL, auth dialect, token
// counting mode and model catalog all come from channel settings.
package custom

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	defaultVersion = "2023-06-01"

	// Declared models have no real creation time; the catalog answers a
	// fixed one so Claude clients get a parseable timestamp.
	claudeCreatedAt = "2026-01-01T00:00:00Z"

	countUpstream = "upstream"
	countEstimate = "estimate"
	countTiktoken = "tiktoken"

	// Tokenizer fallback when a count body names no model.
	fallbackCountModel = "gpt-4o-mini"
)

// Provider implements the custom kind.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Kind() models.ProviderKind { return models.ProviderKindCustom }

// Dispatch decodes the declared rule list. Rows the settings leave out stay
// unsupported, as does everything when no table is declared at all.
func (p *Provider) Dispatch(cfg *provider.ChannelSettings) protocol.DispatchTable {
	if cfg == nil || cfg.Dispatch == nil {
		return protocol.DispatchTable{}
	}
	table, err := protocol.DecodeDispatchTable(cfg.Dispatch.Ops)
	if err != nil {
		return protocol.DispatchTable{}
	}
	return table
}

// LocalResponse answers token counts when counting runs locally, and the
// catalog routes when a model table is declared. An empty table forwards
// catalog calls upstream.
func (p *Provider) LocalResponse(call *provider.Call) (*provider.Response, bool, error) {
	switch call.Op {
	case protocol.OpClaudeCountTokens, protocol.OpGeminiCountTokens, protocol.OpOpenAIInputTokens:
		mode := countMode(call.Settings)
		if mode == countUpstream {
			return nil, false, nil
		}
		return localCount(call, mode)

	case protocol.OpClaudeModelsList, protocol.OpGeminiModelsList, protocol.OpOpenAIModelsList:
		if call.Settings == nil || len(call.Settings.Models) == 0 {
			return nil, false, nil
		}
		return localModelList(call)

	case protocol.OpClaudeModelsGet, protocol.OpGeminiModelsGet, protocol.OpOpenAIModelsGet:
		if call.Settings == nil || len(call.Settings.Models) == 0 {
			return nil, false, nil
		}
		return localModelGet(call)
	}
	return nil, false, nil
}

func countMode(cfg *provider.ChannelSettings) string {
	if cfg == nil {
		return countUpstream
	}
	switch strings.ToLower(strings.TrimSpace(cfg.CountTokens)) {
	case countEstimate:
		return countEstimate
	case countTiktoken:
		return countTiktoken
	}
	return countUpstream
}

// localCount counts the serialized request body and answers in the dialect
// the operation arrived in.
func localCount(call *provider.Call, mode string) (*provider.Response, bool, error) {
	text := string(call.Body)
	var n int64
	if mode == countEstimate {
		n = provider.EstimateTokens(text)
	} else {
		var err error
		if n, err = provider.CountTextTokens(countModelFor(call), text); err != nil {
			return nil, false, fmt.Errorf("custom: count tokens: %w", err)
		}
	}

	var payload map[string]any
	switch call.Op {
	case protocol.OpClaudeCountTokens:
		payload = map[string]any{"input_tokens": n}
	case protocol.OpGeminiCountTokens:
		payload = map[string]any{"totalTokens": n}
	default:
		payload = map[string]any{"object": "response.input_tokens", "input_tokens": n}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("custom: encode token count: %w", err)
	}
	return provider.JSONResponse(http.StatusOK, body), true, nil
}

// countModelFor picks the tokenizer model: the body's model where the
// dialect carries one, the path model for Gemini.
func countModelFor(call *provider.Call) string {
	if call.Op == protocol.OpGeminiCountTokens {
		return normalizeModelID(call.Model)
	}
	if m := gjson.GetBytes(call.Body, "model"); m.Type == gjson.String && m.Str != "" {
		return m.Str
	}
	return fallbackCountModel
}

func localModelList(call *provider.Call) (*provider.Response, bool, error) {
	table := call.Settings.Models
	rows := make([]map[string]any, 0, len(table))
	var payload any
	switch call.Op {
	case protocol.OpClaudeModelsList:
		for _, m := range table {
			rows = append(rows, claudeModelRow(m))
		}
		payload = map[string]any{"data": rows, "has_more": false}
	case protocol.OpGeminiModelsList:
		for _, m := range table {
			rows = append(rows, geminiModelRow(m))
		}
		payload = map[string]any{"models": rows}
	default:
		for _, m := range table {
			rows = append(rows, openaiModelRow(m))
		}
		payload = map[string]any{"object": "list", "data": rows}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("custom: encode model list: %w", err)
	}
	return provider.JSONResponse(http.StatusOK, body), true, nil
}

func localModelGet(call *provider.Call) (*provider.Response, bool, error) {
	target := normalizeModelID(call.Model)
	for _, m := range call.Settings.Models {
		if normalizeModelID(m.ID) != target {
			continue
		}
		var row map[string]any
		switch call.Op {
		case protocol.OpClaudeModelsGet:
			row = claudeModelRow(m)
		case protocol.OpGeminiModelsGet:
			row = geminiModelRow(m)
		default:
			row = openaiModelRow(m)
		}
		body, err := json.Marshal(row)
		if err != nil {
			return nil, false, fmt.Errorf("custom: encode model: %w", err)
		}
		return provider.JSONResponse(http.StatusOK, body), true, nil
	}

	var miss []byte
	if call.Op == protocol.OpClaudeModelsGet {
		miss, _ = json.Marshal(map[string]any{"error": "model_not_found"})
	} else {
		miss, _ = json.Marshal(map[string]any{"error": map[string]any{"message": "model not found"}})
	}
	return provider.JSONResponse(http.StatusNotFound, miss), true, nil
}

func openaiModelRow(m provider.CustomModel) map[string]any {
	owner := m.OwnedBy
	if owner == "" {
		owner = "custom"
	}
	return map[string]any{
		"id":       normalizeModelID(m.ID),
		"object":   "model",
		"owned_by": owner,
	}
}

func claudeModelRow(m provider.CustomModel) map[string]any {
	id := normalizeModelID(m.ID)
	name := m.DisplayName
	if name == "" {
		name = id
	}
	return map[string]any{
		"id":           id,
		"created_at":   claudeCreatedAt,
		"display_name": name,
		"type":         "model",
	}
}

func geminiModelRow(m provider.CustomModel) map[string]any {
	id := normalizeModelID(m.ID)
	name := m.DisplayName
	if name == "" {
		name = id
	}
	return map[string]any{
		"name":        "models/" + id,
		"version":     "custom",
		"displayName": name,
	}
}

func (p *Provider) BuildRequest(call *provider.Call) (*provider.Request, error) {
	key, ok := call.Secret.APIKeyValue()
	if !ok || key == "" {
		return nil, fmt.Errorf("custom: credential carries no api key")
	}
	base := provider.ResolveBase(call.Settings, "")
	if base == "" {
		return nil, fmt.Errorf("custom: channel settings carry no base_url")
	}

	var req *provider.Request
	switch call.Op {
	case protocol.OpClaudeGenerate, protocol.OpClaudeGenerateStream:
		req = provider.NewRequest(http.MethodPost, joinURL(base, "/v1/messages"), call)
		setClaudeAuth(req.Header, key)
	case protocol.OpClaudeCountTokens:
		req = provider.NewRequest(http.MethodPost, joinURL(base, "/v1/messages/count_tokens"), call)
		setClaudeAuth(req.Header, key)
	case protocol.OpClaudeModelsList:
		u := provider.WithQuery(joinURL(base, "/v1/models"), call.Query)
		req = provider.NewRequest(http.MethodGet, u, call)
		setClaudeAuth(req.Header, key)
	case protocol.OpClaudeModelsGet:
		req = provider.NewRequest(http.MethodGet, joinURL(base, "/v1/models/"+url.PathEscape(call.Model)), call)
		setClaudeAuth(req.Header, key)

	case protocol.OpGeminiGenerate:
		req = provider.NewRequest(http.MethodPost, joinURL(base, "/v1beta/"+geminiModelPath(call.Model)+":generateContent"), call)
		req.Header.Set("x-goog-api-key", key)
	case protocol.OpGeminiGenerateStream:
		u := provider.WithQuery(joinURL(base, "/v1beta/"+geminiModelPath(call.Model)+":streamGenerateContent"), call.Query)
		req = provider.NewRequest(http.MethodPost, u, call)
		req.Header.Set("x-goog-api-key", key)
	case protocol.OpGeminiCountTokens:
		req = provider.NewRequest(http.MethodPost, joinURL(base, "/v1beta/"+geminiModelPath(call.Model)+":countTokens"), call)
		req.Header.Set("x-goog-api-key", key)
	case protocol.OpGeminiModelsList:
		u := provider.WithQuery(joinURL(base, "/v1beta/models"), call.Query)
		req = provider.NewRequest(http.MethodGet, u, call)
		req.Header.Set("x-goog-api-key", key)
	case protocol.OpGeminiModelsGet:
		req = provider.NewRequest(http.MethodGet, joinURL(base, "/v1beta/models/"+url.PathEscape(normalizeModelID(call.Model))), call)
		req.Header.Set("x-goog-api-key", key)

	case protocol.OpOpenAIChatGenerate, protocol.OpOpenAIChatGenerateStream:
		req = provider.NewRequest(http.MethodPost, joinURL(base, "/v1/chat/completions"), call)
		req.Header.Set("Authorization", "Bearer "+key)
	case protocol.OpOpenAIResponseGenerate, protocol.OpOpenAIResponseGenerateStream:
		req = provider.NewRequest(http.MethodPost, joinURL(base, "/v1/responses"), call)
		req.Header.Set("Authorization", "Bearer "+key)
	case protocol.OpOpenAIInputTokens:
		req = provider.NewRequest(http.MethodPost, joinURL(base, "/v1/responses/input_tokens"), call)
		req.Header.Set("Authorization", "Bearer "+key)
	case protocol.OpOpenAIModelsList:
		u := provider.WithQuery(joinURL(base, "/v1/models"), call.Query)
		req = provider.NewRequest(http.MethodGet, u, call)
		req.Header.Set("Authorization", "Bearer "+key)
	case protocol.OpOpenAIModelsGet:
		req = provider.NewRequest(http.MethodGet, joinURL(base, "/v1/models/"+url.PathEscape(call.Model)), call)
		req.Header.Set("Authorization", "Bearer "+key)

	default:
		return nil, fmt.Errorf("custom: operation %s cannot be rendered", call.Op)
	}

	if len(req.Body) > 0 && call.Settings != nil && len(call.Settings.JSONMask) > 0 && isJSONContentType(req.Header) {
		masked, err := maskBody(req.Body, call.Settings.JSONMask)
		if err != nil {
			return nil, err
		}
		req.Body = masked
	}
	return req, nil
}

func setClaudeAuth(h http.Header, key string) {
	h.Set("x-api-key", key)
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", defaultVersion)
	}
}

func geminiModelPath(model string) string {
	return "models/" + normalizeModelID(model)
}

// joinURL joins without deduplicating path segments; a declared base means
// exactly what it says.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func isJSONContentType(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "application/json")
}

func normalizeModelID(model string) string {
	return strings.TrimPrefix(strings.TrimPrefix(model, "/"), "models/")
}
