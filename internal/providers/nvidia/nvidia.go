// Package nvidia renders calls against NVIDIA's OpenAI-compatible NIM
// gateway. Generation converts to Chat Completions; the upstream has no
// input-token endpoint, so token counts are answered locally with tiktoken.
package nvidia

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const defaultBase = "https://integrate.api.nvidia.com"

// Provider implements the nvidia kind.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Kind() models.ProviderKind { return models.ProviderKindNvidia }

func (p *Provider) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
	return protocol.DispatchTable{
		protocol.OpClaudeGenerate:       protocol.Transform(protocol.ProtoOpenAIChat),
		protocol.OpClaudeGenerateStream: protocol.Transform(protocol.ProtoOpenAIChat),
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

// LocalResponse answers input-token counts without an upstream round trip.
func (p *Provider) LocalResponse(call *provider.Call) (*provider.Response, bool, error) {
	if call.Op != protocol.OpOpenAIInputTokens {
		return nil, false, nil
	}
	n, err := provider.CountBodyTokens(call.Model, call.Body)
	if err != nil {
		return nil, false, fmt.Errorf("nvidia: count input tokens: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"object":       "response.input_tokens",
		"input_tokens": n,
	})
	if err != nil {
		return nil, false, fmt.Errorf("nvidia: encode token count: %w", err)
	}
	return provider.JSONResponse(http.StatusOK, body), true, nil
}

func (p *Provider) BuildRequest(call *provider.Call) (*provider.Request, error) {
	key, ok := call.Secret.APIKeyValue()
	if !ok || key == "" {
		return nil, fmt.Errorf("nvidia: credential carries no api key")
	}
	base := provider.ResolveBase(call.Settings, defaultBase)

	var req *provider.Request
	switch call.Op {
	case protocol.OpOpenAIChatGenerate, protocol.OpOpenAIChatGenerateStream:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/chat/completions"), call)
	case protocol.OpOpenAIModelsList:
		u := provider.WithQuery(provider.JoinURL(base, "/v1/models"), call.Query)
		req = provider.NewRequest(http.MethodGet, u, call)
	case protocol.OpOpenAIModelsGet:
		req = provider.NewRequest(http.MethodGet, provider.JoinURL(base, "/v1/models/"+url.PathEscape(call.Model)), call)
	default:
		return nil, fmt.Errorf("nvidia: operation %s cannot be rendered", call.Op)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return req, nil
}
