package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

const (
	defaultScope    = "https://www.googleapis.com/auth/cloud-platform"
	defaultTokenURI = "https://oauth2.googleapis.com/token"

	// tokenLifetime is what the signed assertion asks for; Google grants at
	// most an hour.
	tokenLifetime = time.Hour
	refreshSkew   = time.Minute
)

// Refresh signs a service-account JWT and trades it for an access token. The
// exchanged token is cached on the secret, so a true return persists it.
func (p *Provider) Refresh(ctx context.Context, client *http.Client, secret *provider.Secret, force bool) (bool, error) {
	sa, err := vertexSecret(secret)
	if err != nil {
		return false, err
	}
	now := time.Now()
	if !force && sa.AccessToken != "" && now.Add(refreshSkew).Unix() < sa.ExpiresAt {
		return false, nil
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return false, fmt.Errorf("vertex: service account is missing client_email or private_key")
	}
	tokenURI := sa.TokenURI
	if tokenURI == "" {
		tokenURI = defaultTokenURI
	}

	assertion, err := signAssertion(sa, tokenURI, now)
	if err != nil {
		return false, err
	}
	token, expiresIn, err := exchangeAssertion(ctx, client, tokenURI, assertion)
	if err != nil {
		return false, err
	}
	sa.AccessToken = token
	sa.ExpiresAt = now.Unix() + expiresIn
	return true, nil
}

func signAssertion(sa *provider.ServiceAccountSecret, tokenURI string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": defaultScope,
		"aud":   tokenURI,
		"exp":   now.Add(tokenLifetime).Unix(),
		"iat":   now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if sa.PrivateKeyID != "" {
		token.Header["kid"] = sa.PrivateKeyID
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("vertex: parse service account key: %w", err)
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("vertex: sign token assertion: %w", err)
	}
	return signed, nil
}

func exchangeAssertion(ctx context.Context, client *http.Client, tokenURI, assertion string) (string, int64, error) {
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("vertex: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("vertex: call token endpoint: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("vertex: read token response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", 0, fmt.Errorf("vertex: token endpoint answered %d: %s", resp.StatusCode, truncate(payload))
	}
	var tokens struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return "", 0, fmt.Errorf("vertex: parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return "", 0, fmt.Errorf("vertex: token response carries no access_token")
	}
	expiresIn := tokens.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = int64(tokenLifetime / time.Second)
	}
	return tokens.AccessToken, expiresIn, nil
}

func truncate(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
