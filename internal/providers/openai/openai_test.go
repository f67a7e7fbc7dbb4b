package openai

import (
	"net/http"
	"strings"
	"testing"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

func apiKeySecret(key string) *provider.Secret {
	return &provider.Secret{OpenAI: &provider.APIKeySecret{APIKey: key}}
}

func TestDispatchNativeDialects(t *testing.T) {
	table := New().Dispatch(nil)
	for op := protocol.OpOpenAIChatGenerate; op <= protocol.OpOpenAIModelsGet; op++ {
		if rule := table.Rule(op); rule.Kind != protocol.RuleNative {
			t.Fatalf("op %s: kind = %d", op, rule.Kind)
		}
	}
	if rule := table.Rule(protocol.OpClaudeGenerate); rule.Target != protocol.ProtoOpenAIResponse {
		t.Fatalf("claude generate target = %v", rule.Target)
	}
	if rule := table.Rule(protocol.OpClaudeCountTokens); rule.Target != protocol.ProtoOpenAI {
		t.Fatalf("claude count target = %v", rule.Target)
	}
	if rule := table.Rule(protocol.OpOAuthStart); rule.Kind != protocol.RuleUnsupported {
		t.Fatalf("oauth should be unsupported")
	}
}

func TestBuildRequestEndpoints(t *testing.T) {
	p := New()
	cases := []struct {
		op     protocol.Operation
		model  string
		method string
		url    string
	}{
		{protocol.OpOpenAIChatGenerate, "gpt-4o", http.MethodPost, "https://api.openai.com/v1/chat/completions"},
		{protocol.OpOpenAIResponseGenerateStream, "gpt-4o", http.MethodPost, "https://api.openai.com/v1/responses"},
		{protocol.OpOpenAIInputTokens, "gpt-4o", http.MethodPost, "https://api.openai.com/v1/responses/input_tokens"},
		{protocol.OpOpenAIModelsList, "", http.MethodGet, "https://api.openai.com/v1/models"},
		{protocol.OpOpenAIModelsGet, "gpt-4o", http.MethodGet, "https://api.openai.com/v1/models/gpt-4o"},
	}
	for _, tc := range cases {
		call := &provider.Call{Op: tc.op, Model: tc.model, Secret: apiKeySecret("sk-test")}
		req, err := p.BuildRequest(call)
		if err != nil {
			t.Fatalf("op %s: %v", tc.op, err)
		}
		if req.Method != tc.method || req.URL != tc.url {
			t.Fatalf("op %s: %s %s", tc.op, req.Method, req.URL)
		}
		if req.Header.Get("Authorization") != "Bearer sk-test" {
			t.Fatalf("op %s: auth = %q", tc.op, req.Header.Get("Authorization"))
		}
	}
}

func TestBuildRequestDeclaredBase(t *testing.T) {
	p := New()
	call := &provider.Call{
		Op:       protocol.OpOpenAIChatGenerate,
		Secret:   apiKeySecret("k"),
		Settings: &provider.ChannelSettings{BaseURL: "https://proxy.example.com/v1/"},
	}
	req, err := p.BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// The shared join collapses the repeated v1 segment.
	if req.URL != "https://proxy.example.com/v1/chat/completions" {
		t.Fatalf("url = %s", req.URL)
	}
}

func TestBuildRequestRequiresKey(t *testing.T) {
	p := New()
	_, err := p.BuildRequest(&provider.Call{Op: protocol.OpOpenAIChatGenerate, Secret: &provider.Secret{}})
	if err == nil || !strings.Contains(err.Error(), "api key") {
		t.Fatalf("err = %v", err)
	}
}
