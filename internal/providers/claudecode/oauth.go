package claudecode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/oauth"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	clientID        = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthScope      = "user:profile user:inference user:sessions:claude_code"
	defaultRedirect = "https://platform.claude.com/oauth/code/callback"

	// tokenUA is what the Claude CLI sends on token calls; the API surface
	// gets claudeCodeUA instead.
	tokenUA = "claude-cli/2.1.27 (external, cli)"

	tokenRefreshWindow = time.Minute
)

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	SubscriptionType string `json:"subscription_type"`
	RateLimitTier    string `json:"rate_limit_tier"`
}

// UnmarshalJSON accepts the camelCase aliases some token responses use.
func (t *tokenResponse) UnmarshalJSON(data []byte) error {
	type plain tokenResponse
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var alias struct {
		SubscriptionType string `json:"subscriptionType"`
		RateLimitTier    string `json:"rateLimitTier"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	if p.SubscriptionType == "" {
		p.SubscriptionType = alias.SubscriptionType
	}
	if p.RateLimitTier == "" {
		p.RateLimitTier = alias.RateLimitTier
	}
	*t = tokenResponse(p)
	return nil
}

type oauthProfile struct {
	Email            string
	SubscriptionType string
	RateLimitTier    string
}

// OAuthStart opens a manual PKCE flow against claude.ai.
func (p *Provider) OAuthStart(_ context.Context, _ *http.Client, _ *provider.ChannelSettings, query url.Values) (*provider.OAuthStartResult, error) {
	pkce, err := oauth.NewPKCE()
	if err != nil {
		return nil, err
	}
	state, err := oauth.NewState()
	if err != nil {
		return nil, err
	}
	redirect := query.Get("redirect_uri")
	if redirect == "" {
		redirect = defaultRedirect
	}
	scope := query.Get("scope")
	if scope == "" {
		scope = oauthScope
	}

	params := url.Values{
		"code":                  {"true"},
		"client_id":             {clientID},
		"response_type":         {"code"},
		"redirect_uri":          {redirect},
		"scope":                 {scope},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	authURL := claudeAIBase + "/oauth/authorize?" + params.Encode()

	response, err := json.Marshal(map[string]any{
		"auth_url":     authURL,
		"state":        state,
		"redirect_uri": redirect,
		"scope":        scope,
		"mode":         string(models.OAuthModeManual),
		"instructions": "open auth_url in a browser, authorize, then call the callback with the code or the full redirected URL",
	})
	if err != nil {
		return nil, fmt.Errorf("claudecode: encode start response: %w", err)
	}
	return &provider.OAuthStartResult{
		Mode:     models.OAuthModeManual,
		State:    state,
		Response: response,
		Payload: map[string]any{
			"verifier":     pkce.Verifier,
			"redirect_uri": redirect,
		},
		ExpiresAt: time.Now().Add(oauth.DefaultTTL),
	}, nil
}

// OAuthCallback trades the pasted code for tokens and fills in the account
// profile when the token response leaves it out.
func (p *Provider) OAuthCallback(ctx context.Context, client *http.Client, settings *provider.ChannelSettings, pending *provider.PendingFlow, query url.Values) (*provider.OAuthCallbackResult, error) {
	if oauthErr := query.Get("error"); oauthErr != "" {
		message := query.Get("error_description")
		if message == "" {
			message = oauthErr
		}
		return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest, message)
	}
	code, err := oauth.ExtractCode(query, pending)
	if err != nil {
		return nil, err
	}
	verifier, _ := pending.Payload["verifier"].(string)
	redirect, _ := pending.Payload["redirect_uri"].(string)
	if verifier == "" || redirect == "" {
		return nil, fmt.Errorf("claudecode: pending flow is missing verifier or redirect_uri")
	}

	base := provider.ResolveBase(settings, defaultBase)
	tokens, err := exchangeCode(ctx, client, base, code, verifier, redirect, pending.State)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest,
			"token exchange returned no refresh_token")
	}

	email := ""
	if tokens.SubscriptionType == "" || tokens.RateLimitTier == "" {
		if profile, perr := fetchProfile(ctx, client, base, tokens.AccessToken); perr == nil {
			if tokens.SubscriptionType == "" {
				tokens.SubscriptionType = profile.SubscriptionType
			}
			if tokens.RateLimitTier == "" {
				tokens.RateLimitTier = profile.RateLimitTier
			}
			email = profile.Email
		}
	}
	var expiresAt int64
	if tokens.ExpiresIn > 0 {
		expiresAt = time.Now().Unix() + tokens.ExpiresIn
	}

	name := email
	if name == "" {
		name = "claudecode"
	}
	response, err := json.Marshal(map[string]any{
		"access_token":     tokens.AccessToken,
		"refresh_token":    tokens.RefreshToken,
		"expires_in":       tokens.ExpiresIn,
		"subscriptionType": tokens.SubscriptionType,
		"rateLimitTier":    tokens.RateLimitTier,
	})
	if err != nil {
		return nil, fmt.Errorf("claudecode: encode callback response: %w", err)
	}
	return &provider.OAuthCallbackResult{
		Response: response,
		Secret: &provider.Secret{ClaudeCode: &provider.ClaudeCodeSecret{
			AccessToken:      tokens.AccessToken,
			RefreshToken:     tokens.RefreshToken,
			ExpiresAt:        expiresAt,
			SubscriptionType: tokens.SubscriptionType,
			RateLimitTier:    tokens.RateLimitTier,
			UserEmail:        email,
		}},
		Name:      name,
		UpsertKey: email,
	}, nil
}

// Refresh renews an expiring access token and backfills the account profile
// when it is missing. Both halves report through the changed flag so the
// engine persists either one.
func (p *Provider) Refresh(ctx context.Context, client *http.Client, secret *provider.Secret, force bool) (bool, error) {
	cred, err := claudeCodeSecret(secret)
	if err != nil {
		return false, err
	}
	changed := false
	if force || provider.ExpiresWithin(cred.ExpiresAt, tokenRefreshWindow) {
		if cred.RefreshToken == "" {
			return false, fmt.Errorf("claudecode: credential carries no refresh token")
		}
		tokens, err := refreshToken(ctx, client, cred.RefreshToken)
		if err != nil {
			return false, err
		}
		cred.AccessToken = tokens.AccessToken
		if tokens.RefreshToken != "" {
			cred.RefreshToken = tokens.RefreshToken
		}
		if tokens.ExpiresIn > 0 {
			cred.ExpiresAt = time.Now().Unix() + tokens.ExpiresIn
		}
		if tokens.SubscriptionType != "" {
			cred.SubscriptionType = tokens.SubscriptionType
		}
		if tokens.RateLimitTier != "" {
			cred.RateLimitTier = tokens.RateLimitTier
		}
		changed = true
	}
	if enrichProfile(ctx, client, cred) {
		changed = true
	}
	return changed, nil
}

// enrichProfile is best effort; a failed profile fetch never blocks a call.
func enrichProfile(ctx context.Context, client *http.Client, cred *provider.ClaudeCodeSecret) bool {
	needs := cred.SubscriptionType == "" || cred.RateLimitTier == "" || cred.UserEmail == ""
	if !needs || cred.AccessToken == "" {
		return false
	}
	profile, err := fetchProfile(ctx, client, defaultBase, cred.AccessToken)
	if err != nil {
		return false
	}
	changed := false
	if cred.SubscriptionType == "" && profile.SubscriptionType != "" {
		cred.SubscriptionType = profile.SubscriptionType
		changed = true
	}
	if cred.RateLimitTier == "" && profile.RateLimitTier != "" {
		cred.RateLimitTier = profile.RateLimitTier
		changed = true
	}
	if cred.UserEmail == "" && profile.Email != "" {
		cred.UserEmail = profile.Email
		changed = true
	}
	return changed
}

// exchangeCode posts the authorization-code grant. The endpoint expects a
// browser-shaped form call with claude.ai as origin.
func exchangeCode(ctx context.Context, client *http.Client, base, code, verifier, redirect, state string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {redirect},
		"code_verifier": {verifier},
	}
	if state != "" {
		form.Set("state", state)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.JoinURL(base, "/v1/oauth/token"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("claudecode: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", tokenUA)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", claudeAIBase)
	req.Header.Set("Referer", claudeAIBase+"/")
	return parseTokenResponse(client, req)
}

// refreshToken posts the refresh grant; unlike the exchange this endpoint
// takes JSON.
func refreshToken(ctx context.Context, client *http.Client, refresh string) (*tokenResponse, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     clientID,
		"refresh_token": refresh,
	})
	if err != nil {
		return nil, fmt.Errorf("claudecode: encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, defaultBase+"/v1/oauth/token",
		strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("claudecode: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", tokenUA)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	return parseTokenResponse(client, req)
}

func parseTokenResponse(client *http.Client, req *http.Request) (*tokenResponse, error) {
	payload, err := readJSONBody(client, req, "token")
	if err != nil {
		return nil, err
	}
	var tokens tokenResponse
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return nil, fmt.Errorf("claudecode: parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("claudecode: token response carries no access_token")
	}
	return &tokens, nil
}

func fetchProfile(ctx context.Context, client *http.Client, base, accessToken string) (*oauthProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.JoinURL(base, "/api/oauth/profile"), nil)
	if err != nil {
		return nil, fmt.Errorf("claudecode: build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", claudeCodeUA)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(betaHeader, oauthBeta)

	payload, err := readJSONBody(client, req, "profile")
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(payload)
	profile := &oauthProfile{
		Email:         root.Get("account.email").String(),
		RateLimitTier: root.Get("organization.rate_limit_tier").String(),
	}
	switch {
	case root.Get("account.has_claude_max").Bool():
		profile.SubscriptionType = "claude_max"
	case root.Get("account.has_claude_pro").Bool():
		profile.SubscriptionType = "claude_pro"
	}
	return profile, nil
}

func readJSONBody(client *http.Client, req *http.Request, what string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claudecode: fetch %s: %w", what, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("claudecode: read %s response: %w", what, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("claudecode: %s endpoint answered %d: %s", what, resp.StatusCode, truncate(payload))
	}
	return payload, nil
}

func truncate(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
