// Package gemini holds the four Google upstream kinds: AI Studio, Vertex
// Express, Gemini CLI and Antigravity. The first two authenticate with API
// keys; the Cloud Code pair rides a Google OAuth token and wraps requests in
// the v1internal envelope.
package gemini

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const aistudioBase = "https://generativelanguage.googleapis.com"

// AIStudio implements the aistudio kind against the Generative Language API.
type AIStudio struct{}

func NewAIStudio() *AIStudio { return &AIStudio{} }

func (p *AIStudio) Kind() models.ProviderKind { return models.ProviderKindAIStudio }

func (p *AIStudio) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
	return protocol.DispatchTable{
		protocol.OpClaudeGenerate:       protocol.Transform(protocol.ProtoGemini),
		protocol.OpClaudeGenerateStream: protocol.Transform(protocol.ProtoGemini),
		protocol.OpClaudeCountTokens:    protocol.Transform(protocol.ProtoGemini),
		protocol.OpClaudeModelsList:     protocol.Transform(protocol.ProtoGemini),
		protocol.OpClaudeModelsGet:      protocol.Transform(protocol.ProtoGemini),

		protocol.OpGeminiGenerate:       protocol.Native(),
		protocol.OpGeminiGenerateStream: protocol.Native(),
		protocol.OpGeminiCountTokens:    protocol.Native(),
		protocol.OpGeminiModelsList:     protocol.Native(),
		protocol.OpGeminiModelsGet:      protocol.Native(),

		protocol.OpOpenAIChatGenerate:           protocol.Native(),
		protocol.OpOpenAIChatGenerateStream:     protocol.Native(),
		protocol.OpOpenAIResponseGenerate:       protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIResponseGenerateStream: protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIInputTokens:            protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIModelsList:             protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIModelsGet:              protocol.Transform(protocol.ProtoGemini),
	}
}

func (p *AIStudio) BuildRequest(call *provider.Call) (*provider.Request, error) {
	key, ok := call.Secret.APIKeyValue()
	if !ok || key == "" {
		return nil, fmt.Errorf("aistudio: credential carries no api key")
	}
	base := provider.ResolveBase(call.Settings, aistudioBase)
	model := "models/" + stripModelsPrefix(call.Model)

	switch call.Op {
	case protocol.OpGeminiGenerate:
		req := provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1beta/"+model+":generateContent"), call)
		req.Header.Set("x-goog-api-key", key)
		return req, nil
	case protocol.OpGeminiGenerateStream:
		u := provider.WithQuery(provider.JoinURL(base, "/v1beta/"+model+":streamGenerateContent"), call.Query)
		req := provider.NewRequest(http.MethodPost, u, call)
		req.Header.Set("x-goog-api-key", key)
		return req, nil
	case protocol.OpGeminiCountTokens:
		req := provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1beta/"+model+":countTokens"), call)
		req.Header.Set("x-goog-api-key", key)
		return req, nil
	case protocol.OpGeminiModelsList:
		u := provider.WithQuery(provider.JoinURL(base, "/v1beta/models"), call.Query)
		req := provider.NewRequest(http.MethodGet, u, call)
		req.Header.Set("x-goog-api-key", key)
		return req, nil
	case protocol.OpGeminiModelsGet:
		req := provider.NewRequest(http.MethodGet, provider.JoinURL(base, "/v1beta/models/"+url.PathEscape(stripModelsPrefix(call.Model))), call)
		req.Header.Set("x-goog-api-key", key)
		return req, nil
	case protocol.OpOpenAIChatGenerate, protocol.OpOpenAIChatGenerateStream:
		req := provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1beta/openai/chat/completions"), call)
		req.Header.Set("Authorization", "Bearer "+key)
		return req, nil
	}
	return nil, fmt.Errorf("aistudio: operation %s cannot be rendered", call.Op)
}
