// Package openai renders calls against the OpenAI platform API. Both OpenAI
// dialects are native here; Claude and Gemini traffic converts to the
// Responses dialect for generation and to the shared OpenAI surface for
// token counting and model listing.
package openai

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const defaultBase = "https://api.openai.com"

// Provider implements the openai kind.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Kind() models.ProviderKind { return models.ProviderKindOpenAI }

func (p *Provider) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
	return protocol.DispatchTable{
		protocol.OpClaudeGenerate:       protocol.Transform(protocol.ProtoOpenAIResponse),
		protocol.OpClaudeGenerateStream: protocol.Transform(protocol.ProtoOpenAIResponse),
		protocol.OpClaudeCountTokens:    protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpClaudeModelsList:     protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpClaudeModelsGet:      protocol.Transform(protocol.ProtoOpenAI),

		protocol.OpGeminiGenerate:       protocol.Transform(protocol.ProtoOpenAIResponse),
		protocol.OpGeminiGenerateStream: protocol.Transform(protocol.ProtoOpenAIResponse),
		protocol.OpGeminiCountTokens:    protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpGeminiModelsList:     protocol.Transform(protocol.ProtoOpenAI),
		protocol.OpGeminiModelsGet:      protocol.Transform(protocol.ProtoOpenAI),

		protocol.OpOpenAIChatGenerate:           protocol.Native(),
		protocol.OpOpenAIChatGenerateStream:     protocol.Native(),
		protocol.OpOpenAIResponseGenerate:       protocol.Native(),
		protocol.OpOpenAIResponseGenerateStream: protocol.Native(),
		protocol.OpOpenAIInputTokens:            protocol.Native(),
		protocol.OpOpenAIModelsList:             protocol.Native(),
		protocol.OpOpenAIModelsGet:              protocol.Native(),
	}
}

func (p *Provider) BuildRequest(call *provider.Call) (*provider.Request, error) {
	key, ok := call.Secret.APIKeyValue()
	if !ok || key == "" {
		return nil, fmt.Errorf("openai: credential carries no api key")
	}
	base := provider.ResolveBase(call.Settings, defaultBase)

	var req *provider.Request
	switch call.Op {
	case protocol.OpOpenAIChatGenerate, protocol.OpOpenAIChatGenerateStream:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/chat/completions"), call)
	case protocol.OpOpenAIResponseGenerate, protocol.OpOpenAIResponseGenerateStream:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/responses"), call)
	case protocol.OpOpenAIInputTokens:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/responses/input_tokens"), call)
	case protocol.OpOpenAIModelsList:
		u := provider.WithQuery(provider.JoinURL(base, "/v1/models"), call.Query)
		req = provider.NewRequest(http.MethodGet, u, call)
	case protocol.OpOpenAIModelsGet:
		req = provider.NewRequest(http.MethodGet, provider.JoinURL(base, "/v1/models/"+url.PathEscape(call.Model)), call)
	default:
		return nil, fmt.Errorf("openai: operation %s cannot be rendered", call.Op)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return req, nil
}
