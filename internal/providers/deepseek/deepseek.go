// Package deepseek renders calls against the DeepSeek API. The upstream
// speaks Chat Completions natively and mirrors the Anthropic Messages
// surface under /anthropic, so both stay native; the model catalog is fixed
// and answered locally, as are input-token counts.
package deepseek

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	defaultBase = "https://api.deepseek.com"

	defaultVersion = "2023-06-01"

	modelChat     = "deepseek-chat"
	modelReasoner = "deepseek-reasoner"
)

// Provider implements the deepseek kind.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Kind() models.ProviderKind { return models.ProviderKindDeepSeek }

func (p *Provider) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
	return protocol.DispatchTable{
		protocol.OpClaudeGenerate:       protocol.Native(),
		protocol.OpClaudeGenerateStream: protocol.Native(),
		protocol.OpClaudeCountTokens:    protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpClaudeModelsList:     protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpClaudeModelsGet:      protocol.Transform(protocol.ProtoOpenAI),

		protocol.OpGeminiGenerate:       protocol.Transform(protocol.ProtoOpenAIChat),
		protocol.OpGeminiGenerateStream: protocol.Transform(protocol.ProtoOpenAIChat),
		protocol.OpGeminiCountTokens:    protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpGeminiModelsList:     protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpGeminiModelsGet:      protocol.Transform(protocol.ProtoOpenAI),

		protocol.OpOpenAIChatGenerate:           protocol.Native(),
		protocol.OpOpenAIChatGenerateStream:     protocol.Native(),
		protocol.OpOpenAIResponseGenerate:       protocol.Transform(protocol.ProtoOpenAIChat),
		protocol.OpOpenAIResponseGenerateStream: protocol.Transform(protocol.ProtoOpenAIChat),
		protocol.OpOpenAIInputTokens:            protocol.Native(),
		protocol.OpOpenAIModelsList:             protocol.Native(),
		protocol.OpOpenAIModelsGet:              protocol.Native(),
	}
}

type modelRow struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func catalog() []modelRow {
	return []modelRow{
		{ID: modelChat, Object: "model", OwnedBy: "deepseek"},
		{ID: modelReasoner, Object: "model", OwnedBy: "deepseek"},
	}
}

// LocalResponse answers token counts and the fixed model catalog without an
// upstream round trip.
func (p *Provider) LocalResponse(call *provider.Call) (*provider.Response, bool, error) {
	switch call.Op {
	case protocol.OpOpenAIInputTokens:
		n, err := provider.CountBodyTokens(call.Model, call.Body)
		if err != nil {
			return nil, false, fmt.Errorf("deepseek: count input tokens: %w", err)
		}
		body, err := json.Marshal(map[string]any{
			"object":       "response.input_tokens",
			"input_tokens": n,
		})
		if err != nil {
			return nil, false, fmt.Errorf("deepseek: encode token count: %w", err)
		}
		return provider.JSONResponse(http.StatusOK, body), true, nil

	case protocol.OpOpenAIModelsList:
		body, err := json.Marshal(map[string]any{"object": "list", "data": catalog()})
		if err != nil {
			return nil, false, fmt.Errorf("deepseek: encode model list: %w", err)
		}
		return provider.JSONResponse(http.StatusOK, body), true, nil

	case protocol.OpOpenAIModelsGet:
		for _, m := range catalog() {
			if m.ID == call.Model {
				body, err := json.Marshal(m)
				if err != nil {
					return nil, false, fmt.Errorf("deepseek: encode model: %w", err)
				}
				return provider.JSONResponse(http.StatusOK, body), true, nil
			}
		}
		body, _ := json.Marshal(map[string]any{"error": map[string]any{"message": "model not found"}})
		return provider.JSONResponse(http.StatusNotFound, body), true, nil
	}
	return nil, false, nil
}

func (p *Provider) BuildRequest(call *provider.Call) (*provider.Request, error) {
	key, ok := call.Secret.APIKeyValue()
	if !ok || key == "" {
		return nil, fmt.Errorf("deepseek: credential carries no api key")
	}
	base := provider.ResolveBase(call.Settings, defaultBase)

	switch call.Op {
	case protocol.OpClaudeGenerate, protocol.OpClaudeGenerateStream:
		req := provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/anthropic/v1/messages"), call)
		req.Header.Set("x-api-key", key)
		if req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", defaultVersion)
		}
		return req, nil
	case protocol.OpOpenAIChatGenerate, protocol.OpOpenAIChatGenerateStream:
		req := provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/chat/completions"), call)
		req.Header.Set("Authorization", "Bearer "+key)
		return req, nil
	}
	return nil, fmt.Errorf("deepseek: operation %s cannot be rendered", call.Op)
}
