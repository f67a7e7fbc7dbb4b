package gemini

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Shared plumbing for the Cloud Code upstreams (geminicli and antigravity):
// the v1internal request envelope, the response unwrapping both kinds need,
// Google token refresh, and project discovery via loadCodeAssist/onboardUser.

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"

	// tokenRefreshWindow refreshes tokens this close to expiry.
	tokenRefreshWindow = 60 * time.Second

	onboardPollAttempts = 5
	onboardPollInterval = 2 * time.Second
)

// cloudCodeMetadata identifies the client to the Code Assist onboarding
// endpoints. The upstream gates project discovery on these values.
const cloudCodeMetadata = `{"ideType":"ANTIGRAVITY","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}

// wrapInternalRequest builds the v1internal generate envelope. promptID is
// empty for antigravity, which omits the field.
func wrapInternalRequest(model, project, promptID string, body []byte) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "model", model)
	out, _ = sjson.SetBytes(out, "project", project)
	if promptID != "" {
		out, _ = sjson.SetBytes(out, "user_prompt_id", promptID)
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	out, _ = sjson.SetRawBytes(out, "request", body)
	return out
}

// cloudCodeCountTokensBody rebuilds a countTokens payload into the wrapped
// form: {"request":{"model":"models/x","contents":[...]}}.
func cloudCodeCountTokensBody(model string, body []byte) []byte {
	inner := []byte(`{}`)
	inner, _ = sjson.SetBytes(inner, "model", "models/"+model)
	if contents := gjson.GetBytes(body, "contents"); contents.Exists() {
		inner, _ = sjson.SetRawBytes(inner, "contents", []byte(contents.Raw))
	} else if contents := gjson.GetBytes(body, "generateContentRequest.contents"); contents.Exists() {
		inner, _ = sjson.SetRawBytes(inner, "contents", []byte(contents.Raw))
	}
	out := []byte(`{}`)
	out, _ = sjson.SetRawBytes(out, "request", inner)
	return out
}

// unwrapInternalResponse strips the {"response":{...}} envelope the
// v1internal endpoints wrap payloads in. Nested envelopes occur on streamed
// chunks, so the wrapper is peeled twice.
func unwrapInternalResponse(body []byte) []byte {
	for i := 0; i < 2; i++ {
		inner := gjson.GetBytes(body, "response")
		if !inner.IsObject() {
			return body
		}
		body = []byte(inner.Raw)
	}
	return body
}

// ensureCandidateParts gives every candidate a content.parts array. The
// Antigravity upstream omits it on metadata-only chunks, which breaks strict
// Gemini clients.
func ensureCandidateParts(body []byte) []byte {
	candidates := gjson.GetBytes(body, "candidates")
	if !candidates.IsArray() {
		return body
	}
	for i, cand := range candidates.Array() {
		if cand.Get("content").Exists() && !cand.Get("content.parts").Exists() {
			body, _ = sjson.SetRawBytes(body, fmt.Sprintf("candidates.%d.content.parts", i), []byte(`[]`))
		}
	}
	return body
}

// splitStreamPayload turns one upstream SSE data payload into downstream
// events: JSON arrays fan out one element per event, everything else passes
// through as a single event after unwrapping.
func splitStreamPayload(data []byte, normalize func([]byte) []byte) [][]byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return [][]byte{data}
	}
	parsed := gjson.ParseBytes(trimmed)
	switch {
	case parsed.IsArray():
		items := parsed.Array()
		out := make([][]byte, 0, len(items))
		for _, item := range items {
			out = append(out, normalize([]byte(item.Raw)))
		}
		return out
	case parsed.IsObject():
		return [][]byte{normalize(trimmed)}
	}
	return [][]byte{data}
}

type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refreshGoogleToken trades a refresh token for a fresh access token.
func refreshGoogleToken(ctx context.Context, client *http.Client, clientID, clientSecret, refreshToken string) (*googleTokenResponse, error) {
	form := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"grant_type":    {"refresh_token"},
	}
	return googleTokenCall(ctx, client, form.Encode())
}

// exchangeGoogleCode trades an authorization code for the token pair.
func exchangeGoogleCode(ctx context.Context, client *http.Client, clientID, clientSecret, code, redirectURI, verifier string) (*googleTokenResponse, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
	}
	return googleTokenCall(ctx, client, form.Encode())
}

func googleTokenCall(ctx context.Context, client *http.Client, form string) (*googleTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleTokenURL, strings.NewReader(form))
	if err != nil {
		return nil, fmt.Errorf("gemini: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: token request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read token response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("gemini: token endpoint returned %d: %s", resp.StatusCode, truncateBody(body))
	}
	var tok googleTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("gemini: decode token response: %w", err)
	}
	return &tok, nil
}

// fetchGoogleEmail reads the account email from the userinfo endpoint.
// Failures are soft; the email is informational.
func fetchGoogleEmail(ctx context.Context, client *http.Client, accessToken, userAgent string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.googleapis.com/oauth2/v1/userinfo?alt=json", nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}
	return strings.TrimSpace(gjson.GetBytes(body, "email").String())
}

// detectProjectID finds the Cloud Code companion project for a token. It
// first asks loadCodeAssist; accounts that were never onboarded go through
// the polled onboardUser flow.
func detectProjectID(ctx context.Context, client *http.Client, base, accessToken, userAgent string) (string, error) {
	if project, err := loadCodeAssistProject(ctx, client, base, accessToken, userAgent); err == nil && project != "" {
		return project, nil
	}
	return onboardUserProject(ctx, client, base, accessToken, userAgent)
}

func cloudCodePost(ctx context.Context, client *http.Client, base, path, accessToken, userAgent string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: %s request failed: %w", path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read %s response: %w", path, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("gemini: %s returned %d", path, resp.StatusCode)
	}
	return payload, nil
}

func loadCodeAssistProject(ctx context.Context, client *http.Client, base, accessToken, userAgent string) (string, error) {
	body := []byte(`{"metadata":` + cloudCodeMetadata + `}`)
	payload, err := cloudCodePost(ctx, client, base, "/v1internal:loadCodeAssist", accessToken, userAgent, body)
	if err != nil {
		return "", err
	}
	// Without a current tier the account still needs onboarding.
	if tier := gjson.GetBytes(payload, "currentTier"); !tier.Exists() || tier.Type == gjson.Null {
		return "", nil
	}
	return gjson.GetBytes(payload, "cloudaicompanionProject").String(), nil
}

func onboardUserProject(ctx context.Context, client *http.Client, base, accessToken, userAgent string) (string, error) {
	tier := onboardTier(ctx, client, base, accessToken, userAgent)
	body := []byte(`{"tierId":` + string(mustJSON(tier)) + `,"metadata":` + cloudCodeMetadata + `}`)

	for i := 0; i < onboardPollAttempts; i++ {
		payload, err := cloudCodePost(ctx, client, base, "/v1internal:onboardUser", accessToken, userAgent, body)
		if err != nil {
			return "", err
		}
		if gjson.GetBytes(payload, "done").Bool() {
			project := gjson.GetBytes(payload, "response.cloudaicompanionProject")
			if id := project.Get("id"); id.Type == gjson.String {
				return id.String(), nil
			}
			if project.Type == gjson.String {
				return project.String(), nil
			}
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(onboardPollInterval):
		}
	}
	return "", nil
}

func onboardTier(ctx context.Context, client *http.Client, base, accessToken, userAgent string) string {
	body := []byte(`{"metadata":` + cloudCodeMetadata + `}`)
	payload, err := cloudCodePost(ctx, client, base, "/v1internal:loadCodeAssist", accessToken, userAgent, body)
	if err != nil {
		return "LEGACY"
	}
	for _, tier := range gjson.GetBytes(payload, "allowedTiers").Array() {
		if tier.Get("isDefault").Bool() {
			if id := tier.Get("id").String(); id != "" {
				return id
			}
		}
	}
	return "LEGACY"
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`""`)
	}
	return data
}

func truncateBody(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}
