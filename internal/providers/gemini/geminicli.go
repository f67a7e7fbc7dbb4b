package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/oauth"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	geminiCliBase      = "https://cloudcode-pa.googleapis.com"
	geminiCliUserAgent = "GeminiCLI/0.1.5 (Windows; AMD64)"

	geminiCliClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiCliClientSecret = "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"
	geminiCliScope        = "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email https://www.googleapis.com/auth/userinfo.profile"
	geminiCliRedirect     = "http://localhost:1455/auth/callback"
)

// GeminiCli implements the geminicli kind against the Cloud Code private
// API, authenticated by a Google OAuth token tied to a companion project.
type GeminiCli struct{}

func NewGeminiCli() *GeminiCli { return &GeminiCli{} }

func (p *GeminiCli) Kind() models.ProviderKind { return models.ProviderKindGeminiCli }

func (p *GeminiCli) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
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

		protocol.OpOpenAIChatGenerate:           protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIChatGenerateStream:     protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIResponseGenerate:       protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIResponseGenerateStream: protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIInputTokens:            protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIModelsList:             protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIModelsGet:              protocol.Transform(protocol.ProtoGemini),

		protocol.OpOAuthStart:    protocol.Native(),
		protocol.OpOAuthCallback: protocol.Native(),
		protocol.OpUsage:         protocol.Native(),
	}
}

func geminiCliSecret(call *provider.Call) (*provider.GoogleOAuthSecret, error) {
	if call.Secret == nil || call.Secret.GeminiCli == nil {
		return nil, fmt.Errorf("geminicli: credential carries no oauth token")
	}
	return call.Secret.GeminiCli, nil
}

// LocalResponse answers the model catalog; Cloud Code has no listing
// endpoint for the CLI surface.
func (p *GeminiCli) LocalResponse(call *provider.Call) (*provider.Response, bool, error) {
	switch call.Op {
	case protocol.OpGeminiModelsList:
		return catalogResponse(), true, nil
	case protocol.OpGeminiModelsGet:
		if raw, ok := modelByName(stripModelsPrefix, call.Model); ok {
			return provider.JSONResponse(http.StatusOK, raw), true, nil
		}
		return modelNotFoundResponse(), true, nil
	}
	return nil, false, nil
}

func (p *GeminiCli) BuildRequest(call *provider.Call) (*provider.Request, error) {
	cred, err := geminiCliSecret(call)
	if err != nil {
		return nil, err
	}
	base := provider.ResolveBase(call.Settings, geminiCliBase)
	model := stripModelsPrefix(call.Model)

	var path string
	var body []byte
	switch call.Op {
	case protocol.OpGeminiGenerate, protocol.OpGeminiGenerateStream:
		if strings.TrimSpace(cred.ProjectID) == "" {
			return nil, fmt.Errorf("geminicli: credential has no project id")
		}
		body = wrapInternalRequest(model, cred.ProjectID, randomHex(16), call.Body)
		if call.Op == protocol.OpGeminiGenerateStream {
			// The upstream only streams SSE regardless of downstream framing.
			path = "/v1internal:streamGenerateContent?alt=sse"
		} else {
			path = "/v1internal:generateContent"
		}
	case protocol.OpGeminiCountTokens:
		body = cloudCodeCountTokensBody(model, call.Body)
		path = "/v1internal:countTokens"
	default:
		return nil, fmt.Errorf("geminicli: operation %s cannot be rendered", call.Op)
	}

	req := provider.NewRequest(http.MethodPost, provider.JoinURL(base, path), call)
	req.Body = body
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("User-Agent", geminiCliUserAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	return req, nil
}

// NormalizeResponse peels the v1internal envelope off non-stream payloads.
func (p *GeminiCli) NormalizeResponse(call *provider.Call, body []byte) ([]byte, error) {
	switch call.Op {
	case protocol.OpGeminiGenerate, protocol.OpGeminiCountTokens:
		return unwrapInternalResponse(body), nil
	}
	return body, nil
}

// NormalizeStreamData re-frames streamed chunks: envelopes are peeled and
// array chunks fan out one event each.
func (p *GeminiCli) NormalizeStreamData(call *provider.Call, data []byte) ([][]byte, error) {
	if call.Op != protocol.OpGeminiGenerateStream {
		return [][]byte{data}, nil
	}
	return splitStreamPayload(data, unwrapInternalResponse), nil
}

// Refresh renews the Google token when it is about to expire.
func (p *GeminiCli) Refresh(ctx context.Context, client *http.Client, secret *provider.Secret, force bool) (bool, error) {
	cred := secret.GeminiCli
	if cred == nil {
		return false, fmt.Errorf("geminicli: credential carries no oauth token")
	}
	if !force && !provider.ExpiresWithin(cred.ExpiresAt, tokenRefreshWindow) {
		return false, nil
	}
	if cred.RefreshToken == "" {
		return false, fmt.Errorf("geminicli: token expired and credential has no refresh token")
	}
	clientID, clientSecret := cred.ClientID, cred.ClientSecret
	if clientID == "" {
		clientID, clientSecret = geminiCliClientID, geminiCliClientSecret
	}
	tok, err := refreshGoogleToken(ctx, client, clientID, clientSecret, cred.RefreshToken)
	if err != nil {
		return false, fmt.Errorf("geminicli: refresh token: %w", err)
	}
	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Unix() + tok.ExpiresIn
	}
	return true, nil
}

// RetryAfterFailure re-detects the companion project on a 404; the upstream
// answers that way when a credential points at a deleted or wrong project.
func (p *GeminiCli) RetryAfterFailure(ctx context.Context, client *http.Client, call *provider.Call, f *provider.Failure) (provider.AuthRetryAction, error) {
	if f.Status() != http.StatusNotFound {
		return provider.AuthRetryNone, nil
	}
	cred := call.Secret.GeminiCli
	if cred == nil {
		return provider.AuthRetryNone, nil
	}
	base := provider.ResolveBase(call.Settings, geminiCliBase)
	project, err := detectProjectID(ctx, client, base, cred.AccessToken, geminiCliUserAgent)
	if err != nil || project == "" || project == cred.ProjectID {
		return provider.AuthRetryNone, nil
	}
	cred.ProjectID = project
	return provider.AuthRetryUpdated, nil
}

// OAuthStart opens a manual Google consent flow.
func (p *GeminiCli) OAuthStart(_ context.Context, _ *http.Client, _ *provider.ChannelSettings, query url.Values) (*provider.OAuthStartResult, error) {
	return googleOAuthStart(query, googleFlowParams{
		ClientID:        geminiCliClientID,
		Scope:           geminiCliScope,
		DefaultRedirect: geminiCliRedirect,
	})
}

// OAuthCallback finishes the flow: code exchange, project discovery, then
// the stored credential payload.
func (p *GeminiCli) OAuthCallback(ctx context.Context, client *http.Client, settings *provider.ChannelSettings, pending *provider.PendingFlow, query url.Values) (*provider.OAuthCallbackResult, error) {
	flow, err := googleOAuthExchange(ctx, client, pending, query, googleFlowParams{
		ClientID:     geminiCliClientID,
		ClientSecret: geminiCliClientSecret,
		UserAgent:    geminiCliUserAgent,
	})
	if err != nil {
		return nil, err
	}

	base := provider.ResolveBase(settings, geminiCliBase)
	project := flow.ProjectID
	if project == "" {
		if detected, errDetect := detectProjectID(ctx, client, base, flow.Token.AccessToken, geminiCliUserAgent); errDetect == nil {
			project = detected
		}
	}
	if project == "" {
		return nil, protocol.NewStatusError(http.StatusBadGateway, protocol.KindUpstreamTransport,
			"could not discover a cloud code project for this account")
	}

	secret := &provider.Secret{GeminiCli: &provider.GoogleOAuthSecret{
		AccessToken:  flow.Token.AccessToken,
		RefreshToken: flow.Token.RefreshToken,
		ExpiresAt:    flow.ExpiresAt,
		ProjectID:    project,
		ClientID:     geminiCliClientID,
		ClientSecret: geminiCliClientSecret,
		UserEmail:    flow.Email,
	}}
	response, err := json.Marshal(map[string]any{
		"access_token":  flow.Token.AccessToken,
		"refresh_token": flow.Token.RefreshToken,
		"project_id":    project,
		"user_email":    flow.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("geminicli: encode callback response: %w", err)
	}
	upsert := flow.Email
	if upsert == "" {
		upsert = project
	}
	return &provider.OAuthCallbackResult{
		Response:  response,
		Secret:    secret,
		Name:      "geminicli:" + project,
		UpsertKey: upsert,
	}, nil
}

// FetchUsage reads the per-account quota counters.
func (p *GeminiCli) FetchUsage(ctx context.Context, client *http.Client, call *provider.Call) (*provider.Response, error) {
	cred, err := geminiCliSecret(call)
	if err != nil {
		return nil, err
	}
	base := provider.ResolveBase(call.Settings, geminiCliBase)
	body, err := json.Marshal(map[string]any{"project": cred.ProjectID})
	if err != nil {
		return nil, fmt.Errorf("geminicli: encode usage request: %w", err)
	}
	payload, err := cloudCodePost(ctx, client, base, "/v1internal:retrieveUserQuota", cred.AccessToken, geminiCliUserAgent, body)
	if err != nil {
		return nil, err
	}
	return provider.JSONResponse(http.StatusOK, payload), nil
}

// googleFlowParams parameterizes the shared manual flow for the two Cloud
// Code kinds.
type googleFlowParams struct {
	ClientID        string
	ClientSecret    string
	Scope           string
	DefaultRedirect string
	UserAgent       string
}

// googleFlowResult is the exchanged token plus profile data.
type googleFlowResult struct {
	Token     *googleTokenResponse
	ExpiresAt int64
	Email     string
	ProjectID string
}

func googleOAuthStart(query url.Values, params googleFlowParams) (*provider.OAuthStartResult, error) {
	pkce, err := oauth.NewPKCE()
	if err != nil {
		return nil, err
	}
	state, err := oauth.NewState()
	if err != nil {
		return nil, err
	}
	redirect := strings.TrimSpace(query.Get("redirect_uri"))
	if redirect == "" {
		redirect = params.DefaultRedirect
	}

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {params.ClientID},
		"redirect_uri":          {redirect},
		"scope":                 {params.Scope},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge_method": {"S256"},
		"code_challenge":        {pkce.Challenge},
		"state":                 {state},
	}
	authURL := googleAuthURL + "?" + q.Encode()

	payload := map[string]any{
		"verifier":     pkce.Verifier,
		"redirect_uri": redirect,
	}
	if project := strings.TrimSpace(query.Get("project_id")); project != "" {
		payload["project_id"] = project
	}
	response, err := json.Marshal(map[string]any{
		"auth_url":     authURL,
		"state":        state,
		"redirect_uri": redirect,
		"mode":         string(models.OAuthModeManual),
		"instructions": "Open auth_url, approve access, then submit code (or callback_url) to the callback endpoint.",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: encode oauth start response: %w", err)
	}
	return &provider.OAuthStartResult{
		Mode:      models.OAuthModeManual,
		State:     state,
		Response:  response,
		Payload:   payload,
		ExpiresAt: time.Now().Add(oauth.DefaultTTL),
	}, nil
}

func googleOAuthExchange(ctx context.Context, client *http.Client, pending *provider.PendingFlow, query url.Values, params googleFlowParams) (*googleFlowResult, error) {
	if errParam := strings.TrimSpace(query.Get("error")); errParam != "" {
		detail := strings.TrimSpace(query.Get("error_description"))
		if detail == "" {
			detail = errParam
		}
		return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest, detail)
	}
	code, err := oauth.ExtractCode(query, pending)
	if err != nil {
		return nil, err
	}
	verifier, _ := pending.Payload["verifier"].(string)
	redirect, _ := pending.Payload["redirect_uri"].(string)

	tok, err := exchangeGoogleCode(ctx, client, params.ClientID, params.ClientSecret, code, redirect, verifier)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest,
			"token exchange returned no refresh_token")
	}
	expiresAt := time.Now().Unix() + 3600
	if tok.ExpiresIn > 0 {
		expiresAt = time.Now().Unix() + tok.ExpiresIn
	}
	result := &googleFlowResult{
		Token:     tok,
		ExpiresAt: expiresAt,
		Email:     fetchGoogleEmail(ctx, client, tok.AccessToken, params.UserAgent),
	}
	if project, ok := pending.Payload["project_id"].(string); ok && project != "" {
		result.ProjectID = project
	} else if project := strings.TrimSpace(query.Get("project_id")); project != "" {
		result.ProjectID = project
	}
	return result, nil
}
