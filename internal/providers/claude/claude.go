// Package claude renders calls against the Anthropic API with a plain API
// key. The Messages surface is native, and Anthropic's OpenAI-compatible
// chat endpoint keeps Chat Completions traffic native too; everything else
// converts to the Claude dialect.
package claude

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	defaultBase = "https://api.anthropic.com"

	// defaultVersion is sent when the downstream did not pin one.
	defaultVersion = "2023-06-01"
)

// Provider implements the claude kind.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Kind() models.ProviderKind { return models.ProviderKindClaude }

func (p *Provider) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
	return protocol.DispatchTable{
		protocol.OpClaudeGenerate:       protocol.Native(),
		protocol.OpClaudeGenerateStream: protocol.Native(),
		protocol.OpClaudeCountTokens:    protocol.Native(),
		protocol.OpClaudeModelsList:     protocol.Native(),
		protocol.OpClaudeModelsGet:      protocol.Native(),

		protocol.OpGeminiGenerate:       protocol.Transform(protocol.ProtoClaude),
		protocol.OpGeminiGenerateStream: protocol.Transform(protocol.ProtoClaude),
		protocol.OpGeminiCountTokens:    protocol.Transform(protocol.ProtoClaude),
		protocol.OpGeminiModelsList:     protocol.Transform(protocol.ProtoClaude),
		protocol.OpGeminiModelsGet:      protocol.Transform(protocol.ProtoClaude),

		protocol.OpOpenAIChatGenerate:           protocol.Native(),
		protocol.OpOpenAIChatGenerateStream:     protocol.Native(),
		protocol.OpOpenAIResponseGenerate:       protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIResponseGenerateStream: protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIInputTokens:            protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIModelsList:             protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIModelsGet:              protocol.Transform(protocol.ProtoClaude),
	}
}

func (p *Provider) BuildRequest(call *provider.Call) (*provider.Request, error) {
	key, ok := call.Secret.APIKeyValue()
	if !ok || key == "" {
		return nil, fmt.Errorf("claude: credential carries no api key")
	}
	base := provider.ResolveBase(call.Settings, defaultBase)

	var req *provider.Request
	switch call.Op {
	case protocol.OpClaudeGenerate, protocol.OpClaudeGenerateStream:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/messages"), call)
	case protocol.OpClaudeCountTokens:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/messages/count_tokens"), call)
	case protocol.OpClaudeModelsList:
		u := provider.WithQuery(provider.JoinURL(base, "/v1/models"), call.Query)
		req = provider.NewRequest(http.MethodGet, u, call)
	case protocol.OpClaudeModelsGet:
		req = provider.NewRequest(http.MethodGet, provider.JoinURL(base, "/v1/models/"+url.PathEscape(call.Model)), call)
	case protocol.OpOpenAIChatGenerate, protocol.OpOpenAIChatGenerateStream:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/chat/completions"), call)
	default:
		return nil, fmt.Errorf("claude: operation %s cannot be rendered", call.Op)
	}
	req.Header.Set("x-api-key", key)
	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", defaultVersion)
	}
	return req, nil
}
