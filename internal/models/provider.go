package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProviderKind identifies the upstream API family a provider speaks.
type ProviderKind string

// ProviderKind constants name the built-in upstream families.
const (
	// ProviderKindOpenAI is the OpenAI platform API.
	ProviderKindOpenAI ProviderKind = "openai"
	// ProviderKindClaude is the Anthropic API with API key auth.
	ProviderKindClaude ProviderKind = "claude"
	// ProviderKindClaudeCode is the Anthropic API with OAuth subscription auth.
	ProviderKindClaudeCode ProviderKind = "claudecode"
	// ProviderKindCodex is the ChatGPT Codex backend.
	ProviderKindCodex ProviderKind = "codex"
	// ProviderKindAIStudio is the Gemini API on generativelanguage.googleapis.com.
	ProviderKindAIStudio ProviderKind = "aistudio"
	// ProviderKindVertexExpress is Vertex AI with express API keys.
	ProviderKindVertexExpress ProviderKind = "vertexexpress"
	// ProviderKindVertex is Vertex AI with service account auth.
	ProviderKindVertex ProviderKind = "vertex"
	// ProviderKindGeminiCli is the Cloud Code Gemini backend.
	ProviderKindGeminiCli ProviderKind = "geminicli"
	// ProviderKindAntigravity is the Antigravity Cloud Code backend.
	ProviderKindAntigravity ProviderKind = "antigravity"
	// ProviderKindNvidia is the NVIDIA inference API.
	ProviderKindNvidia ProviderKind = "nvidia"
	// ProviderKindDeepSeek is the DeepSeek API.
	ProviderKindDeepSeek ProviderKind = "deepseek"
	// ProviderKindCustom is a user-declared OpenAI/Claude/Gemini compatible endpoint.
	ProviderKindCustom ProviderKind = "custom"
)

// BuiltinProviderKinds lists every kind seeded at first boot, in routing order.
var BuiltinProviderKinds = []ProviderKind{
	ProviderKindOpenAI,
	ProviderKindClaude,
	ProviderKindClaudeCode,
	ProviderKindCodex,
	ProviderKindAIStudio,
	ProviderKindVertexExpress,
	ProviderKindVertex,
	ProviderKindGeminiCli,
	ProviderKindAntigravity,
	ProviderKindNvidia,
	ProviderKindDeepSeek,
}

// IsBuiltin reports whether the kind is seeded rather than user-created.
func (k ProviderKind) IsBuiltin() bool {
	return k != ProviderKindCustom && k != ""
}

// Provider is one routable upstream. Built-in rows are seeded on first boot
// and can only be disabled; custom rows are created and deleted by admins.
type Provider struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string       `gorm:"type:varchar(64);uniqueIndex;not null"` // Routing prefix, unique.
	Kind ProviderKind `gorm:"type:varchar(32);not null;index"`       // Upstream API family.

	Enabled bool `gorm:"not null;default:true"` // Whether the provider is routable.

	ChannelSettings datatypes.JSON `gorm:"type:jsonb"` // Kind-specific settings (base_url, dispatch, masks, models).

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
