// Package providers assembles the provider implementations by kind.
package providers

import (
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/claude"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/claudecode"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/codex"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/custom"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/deepseek"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/gemini"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/nvidia"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/openai"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/vertex"
)

var impls = map[models.ProviderKind]provider.Impl{
	models.ProviderKindOpenAI:        openai.New(),
	models.ProviderKindClaude:        claude.New(),
	models.ProviderKindClaudeCode:    claudecode.New(),
	models.ProviderKindCodex:         codex.New(),
	models.ProviderKindAIStudio:      gemini.NewAIStudio(),
	models.ProviderKindVertexExpress: gemini.NewVertexExpress(),
	models.ProviderKindVertex:        vertex.New(),
	models.ProviderKindGeminiCli:     gemini.NewGeminiCli(),
	models.ProviderKindAntigravity:   gemini.NewAntigravity(),
	models.ProviderKindNvidia:        nvidia.New(),
	models.ProviderKindDeepSeek:      deepseek.New(),
	models.ProviderKindCustom:        custom.New(),
}

// ForKind returns the implementation for a provider kind. Implementations
// are stateless and shared.
func ForKind(kind models.ProviderKind) (provider.Impl, bool) {
	impl, ok := impls[kind]
	return impl, ok
}

// Kinds lists every registered provider kind.
func Kinds() []models.ProviderKind {
	out := make([]models.ProviderKind, 0, len(impls))
	for kind := range impls {
		out = append(out, kind)
	}
	return out
}
