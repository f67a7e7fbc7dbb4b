package codex

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/oauth"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	browserRedirect = "http://localhost:1455/auth/callback"
	oauthScope      = "openid profile email offline_access"
	oauthOriginator = "codex_vscode"

	// Codex access tokens do not carry an expiry; refresh happens only when
	// the engine forces one after an auth failure.
	refreshWindow = time.Minute
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

type idTokenClaims struct {
	Email     string
	Plan      string
	AccountID string
}

// parseIDTokenClaims reads the JWT payload without verifying the signature;
// the token was just handed to us by the issuer over TLS.
func parseIDTokenClaims(idToken string) (*idTokenClaims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil, fmt.Errorf("codex: id_token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("codex: decode id_token payload: %w", err)
	}
	var claims struct {
		Email   string `json:"email"`
		Profile struct {
			Email string `json:"email"`
		} `json:"https://api.openai.com/profile"`
		Auth struct {
			PlanType  string `json:"chatgpt_plan_type"`
			AccountID string `json:"chatgpt_account_id"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("codex: parse id_token payload: %w", err)
	}
	email := claims.Email
	if email == "" {
		email = claims.Profile.Email
	}
	return &idTokenClaims{
		Email:     email,
		Plan:      claims.Auth.PlanType,
		AccountID: claims.Auth.AccountID,
	}, nil
}

// OAuthStart opens a login flow. Device mode (the default) asks the issuer
// for a user code; manual mode hands back a PKCE authorize URL for the
// operator's own browser.
func (p *Provider) OAuthStart(ctx context.Context, client *http.Client, _ *provider.ChannelSettings, query url.Values) (*provider.OAuthStartResult, error) {
	if parseMode(query.Get("mode")) == models.OAuthModeManual {
		return manualStart(query)
	}
	return deviceStart(ctx, client)
}

func parseMode(mode string) models.OAuthMode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "authorization_code", "auth_code", "pkce", "browser", "browser_auth", "manual":
		return models.OAuthModeManual
	default:
		return models.OAuthModeDevice
	}
}

func deviceStart(ctx context.Context, client *http.Client) (*provider.OAuthStartResult, error) {
	status, payload, err := postJSON(ctx, client, defaultIssuer+"/api/accounts/deviceauth/usercode",
		map[string]any{"client_id": clientID})
	if err != nil {
		return nil, err
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("codex: device code endpoint answered %d: %s", status, truncate(payload))
	}
	var device struct {
		DeviceAuthID string          `json:"device_auth_id"`
		UserCode     string          `json:"user_code"`
		UserCodeAlt  string          `json:"usercode"`
		Interval     json.RawMessage `json:"interval"`
	}
	if err := json.Unmarshal(payload, &device); err != nil {
		return nil, fmt.Errorf("codex: parse device code response: %w", err)
	}
	userCode := device.UserCode
	if userCode == "" {
		userCode = device.UserCodeAlt
	}
	if device.DeviceAuthID == "" || userCode == "" {
		return nil, fmt.Errorf("codex: device code response is missing device_auth_id or user_code")
	}
	interval := parseInterval(device.Interval)

	state, err := oauth.NewState()
	if err != nil {
		return nil, err
	}
	verificationURI := defaultIssuer + "/codex/device"
	response, err := json.Marshal(map[string]any{
		"auth_url":         verificationURI,
		"verification_uri": verificationURI,
		"user_code":        userCode,
		"interval":         interval,
		"state":            state,
		"mode":             string(models.OAuthModeDevice),
		"instructions":     fmt.Sprintf("open %s, enter code %s, then call the callback with this state", verificationURI, userCode),
	})
	if err != nil {
		return nil, fmt.Errorf("codex: encode device start response: %w", err)
	}
	return &provider.OAuthStartResult{
		Mode:     models.OAuthModeDevice,
		State:    state,
		Response: response,
		Payload: map[string]any{
			"device_auth_id": device.DeviceAuthID,
			"user_code":      userCode,
			"interval":       float64(interval),
		},
		ExpiresAt: time.Now().Add(oauth.DefaultTTL),
	}, nil
}

// parseInterval tolerates both numeric and string intervals; the issuer has
// served both.
func parseInterval(raw json.RawMessage) int64 {
	const fallback = 5
	if len(raw) == 0 {
		return fallback
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 1 {
			return 1
		}
		return int64(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil && n >= 1 {
			return n
		}
	}
	return fallback
}

func manualStart(query url.Values) (*provider.OAuthStartResult, error) {
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
		redirect = browserRedirect
	}
	scope := query.Get("scope")
	if scope == "" {
		scope = oauthScope
	}
	originator := query.Get("originator")
	if originator == "" {
		originator = oauthOriginator
	}

	params := url.Values{
		"response_type":              {"code"},
		"client_id":                  {clientID},
		"redirect_uri":               {redirect},
		"scope":                      {scope},
		"code_challenge":             {pkce.Challenge},
		"code_challenge_method":      {"S256"},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow":  {"true"},
		"state":                      {state},
		"originator":                 {originator},
	}
	if workspace := query.Get("allowed_workspace_id"); workspace != "" {
		params.Set("allowed_workspace_id", workspace)
	}
	authURL := defaultIssuer + "/oauth/authorize?" + params.Encode()

	response, err := json.Marshal(map[string]any{
		"auth_url":     authURL,
		"state":        state,
		"redirect_uri": redirect,
		"scope":        scope,
		"mode":         string(models.OAuthModeManual),
		"instructions": "open auth_url in a browser, authorize, then call the callback with the code or the full redirected URL",
	})
	if err != nil {
		return nil, fmt.Errorf("codex: encode manual start response: %w", err)
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

// OAuthCallback completes a pending flow. Device flows poll the issuer once
// per call and answer 409 while authorization is still pending, so the
// operator drives the poll loop.
func (p *Provider) OAuthCallback(ctx context.Context, client *http.Client, _ *provider.ChannelSettings, pending *provider.PendingFlow, query url.Values) (*provider.OAuthCallbackResult, error) {
	if oauthErr := query.Get("error"); oauthErr != "" {
		message := query.Get("error_description")
		if message == "" {
			message = oauthErr
		}
		return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest, message)
	}

	var tokens *tokenResponse
	var err error
	switch pending.Mode {
	case models.OAuthModeDevice:
		tokens, err = deviceCallback(ctx, client, pending)
	default:
		tokens, err = manualCallback(ctx, client, pending, query)
	}
	if err != nil {
		return nil, err
	}
	return buildCallbackResult(tokens)
}

func deviceCallback(ctx context.Context, client *http.Client, pending *provider.PendingFlow) (*tokenResponse, error) {
	deviceAuthID, _ := pending.Payload["device_auth_id"].(string)
	userCode, _ := pending.Payload["user_code"].(string)
	if deviceAuthID == "" || userCode == "" {
		return nil, fmt.Errorf("codex: pending device flow is missing device_auth_id or user_code")
	}
	interval := int64(5)
	if v, ok := pending.Payload["interval"].(float64); ok && v >= 1 {
		interval = int64(v)
	}

	status, payload, err := postJSON(ctx, client, defaultIssuer+"/api/accounts/deviceauth/token",
		map[string]any{"device_auth_id": deviceAuthID, "user_code": userCode})
	if err != nil {
		return nil, err
	}
	if status == http.StatusForbidden || status == http.StatusNotFound {
		return nil, protocol.NewStatusError(http.StatusConflict, protocol.KindAuthorizationPending,
			fmt.Sprintf("authorization_pending: retry after %ds", interval))
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("codex: device token endpoint answered %d: %s", status, truncate(payload))
	}
	var grant struct {
		AuthorizationCode string `json:"authorization_code"`
		CodeVerifier      string `json:"code_verifier"`
	}
	if err := json.Unmarshal(payload, &grant); err != nil {
		return nil, fmt.Errorf("codex: parse device token response: %w", err)
	}
	if grant.AuthorizationCode == "" || grant.CodeVerifier == "" {
		return nil, fmt.Errorf("codex: device token response is missing authorization_code or code_verifier")
	}
	return exchangeCode(ctx, client, grant.AuthorizationCode, grant.CodeVerifier, defaultIssuer+"/deviceauth/callback")
}

func manualCallback(ctx context.Context, client *http.Client, pending *provider.PendingFlow, query url.Values) (*tokenResponse, error) {
	code, err := oauth.ExtractCode(query, pending)
	if err != nil {
		return nil, err
	}
	verifier, _ := pending.Payload["verifier"].(string)
	redirect, _ := pending.Payload["redirect_uri"].(string)
	if verifier == "" || redirect == "" {
		return nil, fmt.Errorf("codex: pending manual flow is missing verifier or redirect_uri")
	}
	return exchangeCode(ctx, client, code, verifier, redirect)
}

func exchangeCode(ctx context.Context, client *http.Client, code, verifier, redirect string) (*tokenResponse, error) {
	return tokenCall(ctx, client, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirect},
		"client_id":     {clientID},
		"code_verifier": {verifier},
	})
}

func buildCallbackResult(tokens *tokenResponse) (*provider.OAuthCallbackResult, error) {
	if tokens.RefreshToken == "" {
		return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest,
			"token exchange returned no refresh_token")
	}
	if tokens.IDToken == "" {
		return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest,
			"token exchange returned no id_token")
	}
	claims, err := parseIDTokenClaims(tokens.IDToken)
	if err != nil {
		return nil, err
	}
	if claims.AccountID == "" {
		return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest,
			"id_token carries no chatgpt account id")
	}

	name := claims.Email
	if name == "" {
		name = "codex:" + claims.AccountID
	}
	response, err := json.Marshal(map[string]any{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"id_token":      tokens.IDToken,
		"account_id":    claims.AccountID,
		"email":         claims.Email,
		"plan":          claims.Plan,
	})
	if err != nil {
		return nil, fmt.Errorf("codex: encode callback response: %w", err)
	}
	return &provider.OAuthCallbackResult{
		Response: response,
		Secret: &provider.Secret{Codex: &provider.CodexSecret{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			IDToken:      tokens.IDToken,
			AccountID:    claims.AccountID,
			UserEmail:    claims.Email,
		}},
		Name:      name,
		UpsertKey: claims.AccountID,
	}, nil
}

// Refresh trades the refresh token for a new access token.
func (p *Provider) Refresh(ctx context.Context, client *http.Client, secret *provider.Secret, force bool) (bool, error) {
	if secret == nil || secret.Codex == nil {
		return false, fmt.Errorf("codex: credential carries no oauth token")
	}
	cred := secret.Codex
	if !force && !provider.ExpiresWithin(cred.ExpiresAt, refreshWindow) {
		return false, nil
	}
	if cred.RefreshToken == "" {
		return false, fmt.Errorf("codex: credential carries no refresh token")
	}
	tokens, err := tokenCall(ctx, client, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {clientID},
	})
	if err != nil {
		return false, err
	}
	cred.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		cred.RefreshToken = tokens.RefreshToken
	}
	if tokens.IDToken != "" {
		cred.IDToken = tokens.IDToken
	}
	if cred.UserEmail == "" && cred.IDToken != "" {
		if claims, err := parseIDTokenClaims(cred.IDToken); err == nil {
			cred.UserEmail = claims.Email
		}
	}
	return true, nil
}

func tokenCall(ctx context.Context, client *http.Client, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, defaultIssuer+"/oauth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("codex: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex: call token endpoint: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("codex: read token response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("codex: token endpoint answered %d: %s", resp.StatusCode, truncate(payload))
	}
	var tokens tokenResponse
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return nil, fmt.Errorf("codex: parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("codex: token response carries no access_token")
	}
	return &tokens, nil
}

func postJSON(ctx context.Context, client *http.Client, rawURL string, body map[string]any) (int, []byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("codex: encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("codex: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("codex: call %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("codex: read response: %w", err)
	}
	return resp.StatusCode, payload, nil
}
