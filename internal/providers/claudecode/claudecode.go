// Package claudecode renders calls against the Anthropic API with a Claude
// Code OAuth token. OAuth tokens are only honored for the Messages surface,
// so every non-Claude dialect converts to Claude. Requests are dressed to
// look like the Claude Code CLI: its User-Agent, its system prelude, the
// oauth beta header, and the 1M-context beta when the credential is cleared
// for it.
package claudecode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	defaultBase  = "https://api.anthropic.com"
	claudeAIBase = "https://claude.ai"
	// The usage endpoint lives on the platform host; the console host answers
	// it with a 302.
	platformBase = "https://platform.claude.com"

	claudeCodeUA   = "claude-code/2.1.27"
	defaultVersion = "2023-06-01"

	betaHeader = "anthropic-beta"
	oauthBeta  = "oauth-2025-04-20"

	// The 1M token set is matched by prefix so a rotated beta date keeps
	// working without a code change.
	context1MBeta       = "context-1m-2025-08-07"
	context1MBetaPrefix = "context-1m-"

	claudeCodePrelude = "You are Claude Code, Anthropic's official CLI for Claude."
	agentSDKPrelude   = "You are a Claude agent, built on Anthropic's Claude Agent SDK."
)

// Provider implements the claudecode kind.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Kind() models.ProviderKind { return models.ProviderKindClaudeCode }

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

		protocol.OpOpenAIChatGenerate:           protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIChatGenerateStream:     protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIResponseGenerate:       protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIResponseGenerateStream: protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIInputTokens:            protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIModelsList:             protocol.Transform(protocol.ProtoClaude),
		protocol.OpOpenAIModelsGet:              protocol.Transform(protocol.ProtoClaude),

		protocol.OpOAuthStart:    protocol.Native(),
		protocol.OpOAuthCallback: protocol.Native(),
		protocol.OpUsage:         protocol.Native(),
	}
}

func claudeCodeSecret(secret *provider.Secret) (*provider.ClaudeCodeSecret, error) {
	if secret == nil || secret.ClaudeCode == nil {
		return nil, fmt.Errorf("claudecode: credential carries no oauth token")
	}
	return secret.ClaudeCode, nil
}

func (p *Provider) BuildRequest(call *provider.Call) (*provider.Request, error) {
	cred, err := claudeCodeSecret(call.Secret)
	if err != nil {
		return nil, err
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("claudecode: credential carries no access token")
	}
	base := provider.ResolveBase(call.Settings, defaultBase)

	use1M := false
	var req *provider.Request
	switch call.Op {
	case protocol.OpClaudeGenerate, protocol.OpClaudeGenerateStream:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/messages"), call)
		body := applySystemPrelude(call.Body, call.Ctx.UserAgent)
		req.Body = applySamplingGuard(body, call.Model)
		use1M = shouldUse1M(cred, call.Model)
	case protocol.OpClaudeCountTokens:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, "/v1/messages/count_tokens"), call)
		req.Body = applySystemPrelude(call.Body, call.Ctx.UserAgent)
		use1M = shouldUse1M(cred, call.Model)
	case protocol.OpClaudeModelsList:
		u := provider.WithQuery(provider.JoinURL(base, "/v1/models"), call.Query)
		req = provider.NewRequest(http.MethodGet, u, call)
	case protocol.OpClaudeModelsGet:
		req = provider.NewRequest(http.MethodGet, provider.JoinURL(base, "/v1/models/"+url.PathEscape(call.Model)), call)
	default:
		return nil, fmt.Errorf("claudecode: operation %s cannot be rendered", call.Op)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("User-Agent", claudeCodeUA)
	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", defaultVersion)
	}
	ensureBetaHeader(req.Header, use1M)
	return req, nil
}

// RetryAfterFailure drops the 1M support flag when the upstream refuses the
// long-context beta, so the retry and every later call go out without it.
func (p *Provider) RetryAfterFailure(_ context.Context, _ *http.Client, call *provider.Call, f *provider.Failure) (provider.AuthRetryAction, error) {
	cred, err := claudeCodeSecret(call.Secret)
	if err != nil {
		return provider.AuthRetryNone, nil
	}
	if !shouldUse1M(cred, call.Model) || !is1MForbidden(f) {
		return provider.AuthRetryNone, nil
	}
	blocked := false
	switch oneMFamily(call.Model) {
	case familySonnet:
		cred.SupportsClaude1MSonnet = &blocked
	case familyOpus:
		cred.SupportsClaude1MOpus = &blocked
	default:
		return provider.AuthRetryNone, nil
	}
	return provider.AuthRetryUpdated, nil
}

// FetchUsage reads the account's rate-limit report from the platform host.
func (p *Provider) FetchUsage(ctx context.Context, client *http.Client, call *provider.Call) (*provider.Response, error) {
	cred, err := claudeCodeSecret(call.Secret)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, platformBase+"/api/oauth/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("claudecode: build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", claudeCodeUA)
	req.Header.Set(betaHeader, oauthBeta)

	payload, err := readJSONBody(client, req, "usage")
	if err != nil {
		return nil, err
	}
	return provider.JSONResponse(http.StatusOK, payload), nil
}

type oneM int

const (
	familyNone oneM = iota
	familySonnet
	familyOpus
)

func oneMFamily(model string) oneM {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "claude-sonnet-4"):
		return familySonnet
	case strings.HasPrefix(model, "claude-opus-4-6"):
		return familyOpus
	default:
		return familyNone
	}
}

// shouldUse1M gates the long-context beta: the model family must support it
// and neither flag may have been forced off. Absent flags count as on.
func shouldUse1M(cred *provider.ClaudeCodeSecret, model string) bool {
	var enable, supports *bool
	switch oneMFamily(model) {
	case familySonnet:
		enable, supports = cred.EnableClaude1MSonnet, cred.SupportsClaude1MSonnet
	case familyOpus:
		enable, supports = cred.EnableClaude1MOpus, cred.SupportsClaude1MOpus
	default:
		return false
	}
	return flagOn(enable) && flagOn(supports)
}

func flagOn(v *bool) bool { return v == nil || *v }

// ensureBetaHeader merges the comma-separated anthropic-beta value: the oauth
// beta is always present, 1M tokens survive only when the credential is
// cleared for them, and the canonical 1M token is added when it is.
func ensureBetaHeader(header http.Header, use1M bool) {
	var tokens []string
	for _, part := range strings.Split(header.Get(betaHeader), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !use1M && strings.HasPrefix(strings.ToLower(part), context1MBetaPrefix) {
			continue
		}
		tokens = append(tokens, part)
	}
	if !containsToken(tokens, oauthBeta) {
		tokens = append(tokens, oauthBeta)
	}
	if use1M && !containsPrefix(tokens, context1MBetaPrefix) {
		tokens = append(tokens, context1MBeta)
	}
	header.Set(betaHeader, strings.Join(tokens, ","))
}

func containsToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func containsPrefix(tokens []string, prefix string) bool {
	for _, t := range tokens {
		if strings.HasPrefix(strings.ToLower(t), prefix) {
			return true
		}
	}
	return false
}

func is1MForbidden(f *provider.Failure) bool {
	if f.HTTP == nil {
		return false
	}
	if f.HTTP.Status != http.StatusBadRequest && f.HTTP.Status != http.StatusForbidden {
		return false
	}
	text := strings.ToLower(string(f.HTTP.Body))
	needles := []string{
		"context-1m",
		"context 1m",
		"1m context",
		"long context beta",
		"not enabled",
		"not available",
		"not yet available",
		"incompatible",
		"forbidden",
	}
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

// applySystemPrelude prepends the Claude Code system prelude. Requests from
// a real Claude Code client keep their own system, as do requests that
// already carry a recognized prelude.
func applySystemPrelude(body []byte, userAgent string) []byte {
	if isClaudeCodeUserAgent(userAgent) {
		return body
	}
	system := gjson.GetBytes(body, "system")
	if hasKnownPrelude(system) {
		return body
	}
	prelude := json.RawMessage(mustJSON(map[string]any{"type": "text", "text": claudeCodePrelude}))

	var blocks []json.RawMessage
	switch {
	case system.Type == gjson.String:
		blocks = []json.RawMessage{prelude, mustJSON(map[string]any{"type": "text", "text": system.String()})}
	case system.IsArray():
		blocks = []json.RawMessage{prelude}
		system.ForEach(func(_, item gjson.Result) bool {
			blocks = append(blocks, json.RawMessage(item.Raw))
			return true
		})
	default:
		blocks = []json.RawMessage{prelude}
	}
	out, err := sjson.SetRawBytes(body, "system", mustJSON(blocks))
	if err != nil {
		return body
	}
	return out
}

func isClaudeCodeUserAgent(value string) bool {
	lowered := strings.ToLower(value)
	return strings.Contains(lowered, "claude-code") || strings.Contains(lowered, "claude-cli")
}

func hasKnownPrelude(system gjson.Result) bool {
	if system.Type == gjson.String {
		return isKnownPreludeText(system.String())
	}
	if system.IsArray() {
		found := false
		system.ForEach(func(_, item gjson.Result) bool {
			if isKnownPreludeText(item.Get("text").String()) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	return false
}

func isKnownPreludeText(text string) bool {
	lowered := strings.ToLower(text)
	return strings.Contains(lowered, strings.ToLower(claudeCodePrelude)) ||
		strings.Contains(lowered, strings.ToLower(agentSDKPrelude))
}

// applySamplingGuard removes top_p when temperature is also set on a model
// that rejects the combination.
func applySamplingGuard(body []byte, model string) []byte {
	if !requiresSamplingGuard(model) {
		return body
	}
	if !gjson.GetBytes(body, "temperature").Exists() || !gjson.GetBytes(body, "top_p").Exists() {
		return body
	}
	out, err := sjson.DeleteBytes(body, "top_p")
	if err != nil {
		return body
	}
	return out
}

func requiresSamplingGuard(model string) bool {
	model = strings.ToLower(model)
	return strings.Contains(model, "opus-4-1") ||
		strings.Contains(model, "opus-4-5") ||
		strings.Contains(model, "opus-4-6") ||
		strings.Contains(model, "sonnet-4-5")
}

func mustJSON(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
