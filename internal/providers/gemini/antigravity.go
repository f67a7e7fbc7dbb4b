package gemini

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	antigravityBase      = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	antigravityUserAgent = "antigravity/1.15.8 (Windows; AMD64)"

	antigravityClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	antigravityClientSecret = "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"
	antigravityScope        = "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email https://www.googleapis.com/auth/userinfo.profile https://www.googleapis.com/auth/cclog https://www.googleapis.com/auth/experimentsandconfigs"
	antigravityRedirect     = "http://localhost:51121/oauth-callback"
)

// Antigravity implements the antigravity kind, the sandboxed Cloud Code
// variant. It shares the v1internal envelope with geminicli but tags every
// call with a request id and classifies generate calls by request type.
type Antigravity struct{}

func NewAntigravity() *Antigravity { return &Antigravity{} }

func (p *Antigravity) Kind() models.ProviderKind { return models.ProviderKindAntigravity }

func (p *Antigravity) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
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

func antigravitySecret(call *provider.Call) (*provider.GoogleOAuthSecret, error) {
	if call.Secret == nil || call.Secret.Antigravity == nil {
		return nil, fmt.Errorf("antigravity: credential carries no oauth token")
	}
	return call.Secret.Antigravity, nil
}

func antigravityRequestID() string {
	return "mproxy-" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

func randomProjectID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "mproxy-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return "mproxy-" + base64.RawURLEncoding.EncodeToString(buf)
}

func requestTypeForModel(model string) string {
	if strings.Contains(strings.ToLower(model), "image") {
		return "image_gen"
	}
	return "agent"
}

// LocalResponse estimates token counts without an upstream round trip; the
// sandbox exposes no countTokens endpoint.
func (p *Antigravity) LocalResponse(call *provider.Call) (*provider.Response, bool, error) {
	if call.Op != protocol.OpGeminiCountTokens {
		return nil, false, nil
	}
	body, err := json.Marshal(map[string]any{"totalTokens": estimateGeminiBodyTokens(call.Body)})
	if err != nil {
		return nil, false, fmt.Errorf("antigravity: encode count tokens response: %w", err)
	}
	return provider.JSONResponse(http.StatusOK, body), true, nil
}

// estimateGeminiBodyTokens approximates a Gemini request at four characters
// per token, reading contents text when present and the raw request text
// otherwise.
func estimateGeminiBodyTokens(body []byte) int64 {
	if contents := gjson.GetBytes(body, "contents"); contents.Exists() {
		return provider.EstimateTokens(geminiContentsText(contents))
	}
	if wrapped := gjson.GetBytes(body, "generateContentRequest"); wrapped.Exists() {
		if contents := wrapped.Get("contents"); contents.IsArray() {
			return provider.EstimateTokens(geminiContentsText(contents))
		}
		return provider.EstimateTokens(wrapped.Raw)
	}
	return 0
}

func geminiContentsText(contents gjson.Result) string {
	var b strings.Builder
	contents.ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Type == gjson.String {
				b.WriteString(text.String())
			}
			return true
		})
		return true
	})
	return b.String()
}

func (p *Antigravity) BuildRequest(call *provider.Call) (*provider.Request, error) {
	cred, err := antigravitySecret(call)
	if err != nil {
		return nil, err
	}
	base := provider.ResolveBase(call.Settings, antigravityBase)
	model := stripModelsPrefix(call.Model)

	var rawURL string
	var body []byte
	requestType := ""
	switch call.Op {
	case protocol.OpGeminiGenerate, protocol.OpGeminiGenerateStream:
		if strings.TrimSpace(cred.ProjectID) == "" {
			return nil, fmt.Errorf("antigravity: credential has no project id")
		}
		body = wrapInternalRequest(model, cred.ProjectID, "", call.Body)
		requestType = requestTypeForModel(model)
		if call.Op == protocol.OpGeminiGenerateStream {
			rawURL = provider.JoinURL(base, "/v1internal:streamGenerateContent?alt=sse")
		} else {
			rawURL = provider.JoinURL(base, "/v1internal:generateContent")
		}
	case protocol.OpGeminiModelsList:
		body = []byte("{}")
		rawURL = provider.WithQuery(provider.JoinURL(base, "/v1internal:fetchAvailableModels"), call.Query)
	case protocol.OpGeminiModelsGet:
		body = []byte("{}")
		rawURL = provider.JoinURL(base, "/v1internal:fetchAvailableModels")
		if call.Model != "" {
			rawURL += "?name=" + url.QueryEscape(call.Model)
		}
	default:
		return nil, fmt.Errorf("antigravity: operation %s cannot be rendered", call.Op)
	}

	req := provider.NewRequest(http.MethodPost, rawURL, call)
	req.Body = body
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("User-Agent", antigravityUserAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("requestid", antigravityRequestID())
	if requestType != "" {
		req.Header.Set("requesttype", requestType)
	}
	return req, nil
}

// NormalizeResponse peels the envelope, backfills empty candidate parts and
// reshapes the catalog payload into Gemini model listings.
func (p *Antigravity) NormalizeResponse(call *provider.Call, body []byte) ([]byte, error) {
	switch call.Op {
	case protocol.OpGeminiGenerate:
		return ensureCandidateParts(unwrapInternalResponse(body)), nil
	case protocol.OpGeminiModelsList:
		rows := availableModelRows(body)
		out, err := json.Marshal(map[string]any{"models": rows})
		if err != nil {
			return nil, fmt.Errorf("antigravity: encode models list: %w", err)
		}
		return out, nil
	case protocol.OpGeminiModelsGet:
		row, ok := findAvailableModel(body, stripModelsPrefix(call.Model))
		if !ok {
			return nil, protocol.NewStatusError(http.StatusNotFound, protocol.KindInvalidRequest, "model not found")
		}
		out, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("antigravity: encode model: %w", err)
		}
		return out, nil
	}
	return body, nil
}

func (p *Antigravity) NormalizeStreamData(call *provider.Call, data []byte) ([][]byte, error) {
	if call.Op != protocol.OpGeminiGenerateStream {
		return [][]byte{data}, nil
	}
	return splitStreamPayload(data, func(b []byte) []byte {
		return ensureCandidateParts(unwrapInternalResponse(b))
	}), nil
}

// availableModelRows flattens the fetchAvailableModels payload, which ships
// either a {id: meta} object or an array of ids or metadata rows, into
// sorted deduplicated Gemini model entries.
func availableModelRows(payload []byte) []map[string]any {
	models := gjson.GetBytes(payload, "models")
	var rows []map[string]any
	if models.IsObject() {
		models.ForEach(func(key, meta gjson.Result) bool {
			rows = append(rows, availableModelRow(key.String(), meta))
			return true
		})
	} else if models.IsArray() {
		models.ForEach(func(_, item gjson.Result) bool {
			if id := availableModelID(item); id != "" {
				rows = append(rows, availableModelRow(stripModelsPrefix(id), item))
			}
			return true
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["name"].(string) < rows[j]["name"].(string)
	})
	deduped := rows[:0]
	for _, row := range rows {
		if len(deduped) > 0 && deduped[len(deduped)-1]["name"] == row["name"] {
			continue
		}
		deduped = append(deduped, row)
	}
	return deduped
}

func availableModelID(item gjson.Result) string {
	if id := item.Get("id"); id.Type == gjson.String {
		return id.String()
	}
	if name := item.Get("name"); name.Type == gjson.String {
		return name.String()
	}
	if item.Type == gjson.String {
		return item.String()
	}
	return ""
}

func findAvailableModel(payload []byte, target string) (map[string]any, bool) {
	models := gjson.GetBytes(payload, "models")
	var found map[string]any
	if models.IsObject() {
		models.ForEach(func(key, meta gjson.Result) bool {
			if id := stripModelsPrefix(key.String()); id == target || key.String() == target {
				found = availableModelRow(id, meta)
				return false
			}
			return true
		})
	} else if models.IsArray() {
		models.ForEach(func(_, item gjson.Result) bool {
			if id := stripModelsPrefix(availableModelID(item)); id != "" && id == target {
				found = availableModelRow(id, item)
				return false
			}
			return true
		})
	}
	return found, found != nil
}

func availableModelRow(id string, meta gjson.Result) map[string]any {
	display := meta.Get("displayName").String()
	if display == "" {
		display = id
	}
	row := map[string]any{
		"name":        "models/" + id,
		"baseModelId": id,
		"version":     "1",
		"displayName": display,
		"supportedGenerationMethods": []string{
			"generateContent", "countTokens", "streamGenerateContent",
		},
	}
	if v := meta.Get("maxTokens"); v.Type == gjson.Number {
		row["inputTokenLimit"] = v.Int()
	}
	if v := meta.Get("maxOutputTokens"); v.Type == gjson.Number {
		row["outputTokenLimit"] = v.Int()
	}
	return row
}

// Refresh renews the Google token when it is about to expire.
func (p *Antigravity) Refresh(ctx context.Context, client *http.Client, secret *provider.Secret, force bool) (bool, error) {
	cred := secret.Antigravity
	if cred == nil {
		return false, fmt.Errorf("antigravity: credential carries no oauth token")
	}
	if !force && !provider.ExpiresWithin(cred.ExpiresAt, tokenRefreshWindow) {
		return false, nil
	}
	if cred.RefreshToken == "" {
		return false, fmt.Errorf("antigravity: token expired and credential has no refresh token")
	}
	clientID, clientSecret := cred.ClientID, cred.ClientSecret
	if clientID == "" {
		clientID, clientSecret = antigravityClientID, antigravityClientSecret
	}
	tok, err := refreshGoogleToken(ctx, client, clientID, clientSecret, cred.RefreshToken)
	if err != nil {
		return false, fmt.Errorf("antigravity: refresh token: %w", err)
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

// RetryAfterFailure re-detects the companion project on a 404.
func (p *Antigravity) RetryAfterFailure(ctx context.Context, client *http.Client, call *provider.Call, f *provider.Failure) (provider.AuthRetryAction, error) {
	if f.Status() != http.StatusNotFound {
		return provider.AuthRetryNone, nil
	}
	cred := call.Secret.Antigravity
	if cred == nil {
		return provider.AuthRetryNone, nil
	}
	base := provider.ResolveBase(call.Settings, antigravityBase)
	project, err := detectProjectID(ctx, client, base, cred.AccessToken, antigravityUserAgent)
	if err != nil || project == "" || project == cred.ProjectID {
		return provider.AuthRetryNone, nil
	}
	cred.ProjectID = project
	return provider.AuthRetryUpdated, nil
}

func (p *Antigravity) OAuthStart(_ context.Context, _ *http.Client, _ *provider.ChannelSettings, query url.Values) (*provider.OAuthStartResult, error) {
	return googleOAuthStart(query, googleFlowParams{
		ClientID:        antigravityClientID,
		Scope:           antigravityScope,
		DefaultRedirect: antigravityRedirect,
	})
}

// OAuthCallback finishes the flow. Unlike geminicli an undetectable project
// is not fatal; a placeholder id keeps the credential usable until a 404
// retry discovers the real one.
func (p *Antigravity) OAuthCallback(ctx context.Context, client *http.Client, settings *provider.ChannelSettings, pending *provider.PendingFlow, query url.Values) (*provider.OAuthCallbackResult, error) {
	flow, err := googleOAuthExchange(ctx, client, pending, query, googleFlowParams{
		ClientID:     antigravityClientID,
		ClientSecret: antigravityClientSecret,
		UserAgent:    antigravityUserAgent,
	})
	if err != nil {
		return nil, err
	}

	base := provider.ResolveBase(settings, antigravityBase)
	project := flow.ProjectID
	if project == "" {
		if detected, errDetect := detectProjectID(ctx, client, base, flow.Token.AccessToken, antigravityUserAgent); errDetect == nil {
			project = detected
		}
	}
	if project == "" {
		project = randomProjectID()
	}

	secret := &provider.Secret{Antigravity: &provider.GoogleOAuthSecret{
		AccessToken:  flow.Token.AccessToken,
		RefreshToken: flow.Token.RefreshToken,
		ExpiresAt:    flow.ExpiresAt,
		ProjectID:    project,
		ClientID:     antigravityClientID,
		ClientSecret: antigravityClientSecret,
		UserEmail:    flow.Email,
	}}
	response, err := json.Marshal(map[string]any{
		"access_token":  flow.Token.AccessToken,
		"refresh_token": flow.Token.RefreshToken,
		"project_id":    project,
		"user_email":    flow.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("antigravity: encode callback response: %w", err)
	}
	upsert := flow.Email
	if upsert == "" {
		upsert = project
	}
	return &provider.OAuthCallbackResult{
		Response:  response,
		Secret:    secret,
		Name:      "antigravity:" + project,
		UpsertKey: upsert,
	}, nil
}

// FetchUsage probes the catalog endpoint; the sandbox has no dedicated
// quota surface, so reachability plus the model inventory is the report.
func (p *Antigravity) FetchUsage(ctx context.Context, client *http.Client, call *provider.Call) (*provider.Response, error) {
	cred, err := antigravitySecret(call)
	if err != nil {
		return nil, err
	}
	base := provider.ResolveBase(call.Settings, antigravityBase)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		provider.JoinURL(base, "/v1internal:fetchAvailableModels"), strings.NewReader("{}"))
	if err != nil {
		return nil, fmt.Errorf("antigravity: build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", antigravityUserAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("requestid", antigravityRequestID())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("antigravity: fetch usage: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("antigravity: read usage response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("antigravity: usage endpoint answered %d: %s", resp.StatusCode, truncateBody(payload))
	}
	return provider.JSONResponse(http.StatusOK, payload), nil
}
