package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
)

// APIKeySecret is the payload for plain API key dialects.
type APIKeySecret struct {
	APIKey string `json:"api_key"` // Upstream API key.
}

// ServiceAccountSecret is the Vertex payload: a Google service account plus
// the cached token from the last JWT exchange.
type ServiceAccountSecret struct {
	ProjectID               string `json:"project_id"`                            // GCP project.
	ClientEmail             string `json:"client_email"`                          // Service account email.
	PrivateKey              string `json:"private_key"`                           // PEM-encoded RSA key.
	PrivateKeyID            string `json:"private_key_id"`                        // Key identifier.
	ClientID                string `json:"client_id,omitempty"`                   // OAuth client ID.
	AuthURI                 string `json:"auth_uri,omitempty"`                    // Authorization endpoint.
	TokenURI                string `json:"token_uri,omitempty"`                   // Token endpoint, defaulted when empty.
	AuthProviderX509CertURL string `json:"auth_provider_x509_cert_url,omitempty"` // Provider cert URL.
	ClientX509CertURL       string `json:"client_x509_cert_url,omitempty"`        // Client cert URL.
	UniverseDomain          string `json:"universe_domain,omitempty"`             // API universe.
	AccessToken             string `json:"access_token,omitempty"`                // Cached exchanged token.
	ExpiresAt               int64  `json:"expires_at,omitempty"`                  // Cached token expiry, unix seconds.
}

// GoogleOAuthSecret is the payload for the Cloud Code dialects (geminicli
// and antigravity).
type GoogleOAuthSecret struct {
	AccessToken  string `json:"access_token"`         // Bearer token.
	RefreshToken string `json:"refresh_token"`        // Refresh token.
	ExpiresAt    int64  `json:"expires_at"`           // Token expiry, unix seconds.
	ProjectID    string `json:"project_id"`           // Cloud Code project.
	ClientID     string `json:"client_id"`            // OAuth client ID.
	ClientSecret string `json:"client_secret"`        // OAuth client secret.
	UserEmail    string `json:"user_email,omitempty"` // Account email, informational.
}

// CodexSecret is the ChatGPT Codex OAuth payload.
type CodexSecret struct {
	AccessToken  string `json:"access_token"`         // Bearer token.
	RefreshToken string `json:"refresh_token"`        // Refresh token.
	IDToken      string `json:"id_token"`             // OIDC identity token.
	AccountID    string `json:"account_id"`           // ChatGPT account ID.
	ExpiresAt    int64  `json:"expires_at"`           // Token expiry, unix seconds.
	UserEmail    string `json:"user_email,omitempty"` // Account email, informational.
}

// ClaudeCodeSecret is the Anthropic subscription OAuth payload. A row with
// only a session key is valid. The 1M-context flags pair an admin opt-in
// with the upstream capability probe; both must hold for the beta header to
// survive.
type ClaudeCodeSecret struct {
	AccessToken            string `json:"access_token,omitempty"`
	RefreshToken           string `json:"refresh_token,omitempty"`
	ExpiresAt              int64  `json:"expires_at,omitempty"`
	SessionKey             string `json:"session_key,omitempty"`
	SubscriptionType       string `json:"subscription_type,omitempty"`
	RateLimitTier          string `json:"rate_limit_tier,omitempty"`
	EnableClaude1MSonnet   *bool  `json:"enable_claude_1m_sonnet,omitempty"`
	EnableClaude1MOpus     *bool  `json:"enable_claude_1m_opus,omitempty"`
	SupportsClaude1MSonnet *bool  `json:"supports_claude_1m_sonnet,omitempty"`
	SupportsClaude1MOpus   *bool  `json:"supports_claude_1m_opus,omitempty"`
	UserEmail              string `json:"user_email,omitempty"`
}

// UnmarshalJSON accepts both snake_case and the camelCase aliases emitted by
// Anthropic tooling exports.
func (s *ClaudeCodeSecret) UnmarshalJSON(data []byte) error {
	type plain ClaudeCodeSecret
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var alias struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresAt    int64  `json:"expiresAt"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	if p.AccessToken == "" {
		p.AccessToken = alias.AccessToken
	}
	if p.RefreshToken == "" {
		p.RefreshToken = alias.RefreshToken
	}
	if p.ExpiresAt == 0 {
		p.ExpiresAt = alias.ExpiresAt
	}
	*s = ClaudeCodeSecret(p)
	return nil
}

// Secret is the decoded credential payload. Exactly one field is set; the
// JSON wrapper is a single-key object keyed by the dialect name.
type Secret struct {
	OpenAI        *APIKeySecret         `json:"openai,omitempty"`
	Claude        *APIKeySecret         `json:"claude,omitempty"`
	AIStudio      *APIKeySecret         `json:"aistudio,omitempty"`
	VertexExpress *APIKeySecret         `json:"vertexexpress,omitempty"`
	Nvidia        *APIKeySecret         `json:"nvidia,omitempty"`
	DeepSeek      *APIKeySecret         `json:"deepseek,omitempty"`
	Custom        *APIKeySecret         `json:"custom,omitempty"`
	Vertex        *ServiceAccountSecret `json:"vertex,omitempty"`
	GeminiCli     *GoogleOAuthSecret    `json:"geminicli,omitempty"`
	Antigravity   *GoogleOAuthSecret    `json:"antigravity,omitempty"`
	Codex         *CodexSecret          `json:"codex,omitempty"`
	ClaudeCode    *ClaudeCodeSecret     `json:"claudecode,omitempty"`
}

// DecodeSecret parses a stored credential payload and checks that exactly
// one dialect is present.
func DecodeSecret(raw []byte) (*Secret, error) {
	var s Secret
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("provider: decode credential secret: %w", err)
	}
	if n := s.count(); n != 1 {
		return nil, fmt.Errorf("provider: credential secret must carry exactly one dialect, has %d", n)
	}
	return &s, nil
}

func (s *Secret) count() int {
	n := 0
	for _, set := range []bool{
		s.OpenAI != nil, s.Claude != nil, s.AIStudio != nil, s.VertexExpress != nil,
		s.Nvidia != nil, s.DeepSeek != nil, s.Custom != nil, s.Vertex != nil,
		s.GeminiCli != nil, s.Antigravity != nil, s.Codex != nil, s.ClaudeCode != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Kind returns the provider kind the payload belongs to.
func (s *Secret) Kind() models.ProviderKind {
	switch {
	case s.OpenAI != nil:
		return models.ProviderKindOpenAI
	case s.Claude != nil:
		return models.ProviderKindClaude
	case s.AIStudio != nil:
		return models.ProviderKindAIStudio
	case s.VertexExpress != nil:
		return models.ProviderKindVertexExpress
	case s.Nvidia != nil:
		return models.ProviderKindNvidia
	case s.DeepSeek != nil:
		return models.ProviderKindDeepSeek
	case s.Custom != nil:
		return models.ProviderKindCustom
	case s.Vertex != nil:
		return models.ProviderKindVertex
	case s.GeminiCli != nil:
		return models.ProviderKindGeminiCli
	case s.Antigravity != nil:
		return models.ProviderKindAntigravity
	case s.Codex != nil:
		return models.ProviderKindCodex
	case s.ClaudeCode != nil:
		return models.ProviderKindClaudeCode
	}
	return ""
}

// APIKeyValue returns the plain key for API key dialects.
func (s *Secret) APIKeyValue() (string, bool) {
	for _, p := range []*APIKeySecret{s.OpenAI, s.Claude, s.AIStudio, s.VertexExpress, s.Nvidia, s.DeepSeek, s.Custom} {
		if p != nil {
			return p.APIKey, true
		}
	}
	return "", false
}

// Encode serializes the payload back to its stored wrapper form.
func (s *Secret) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("provider: encode credential secret: %w", err)
	}
	return data, nil
}

// ExpiresWithin reports whether a token expiry falls inside the window.
// Zero expiries never report true; callers treat those tokens as static.
func ExpiresWithin(expiresAt int64, window time.Duration) bool {
	if expiresAt <= 0 {
		return false
	}
	return time.Now().Add(window).Unix() >= expiresAt
}
