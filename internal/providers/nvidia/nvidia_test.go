package nvidia

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

func apiKeySecret(key string) *provider.Secret {
	return &provider.Secret{Nvidia: &provider.APIKeySecret{APIKey: key}}
}

func TestDispatchChatOnly(t *testing.T) {
	table := New().Dispatch(nil)
	if rule := table.Rule(protocol.OpClaudeGenerate); rule.Target != protocol.ProtoOpenAIChat {
		t.Fatalf("claude target = %v", rule.Target)
	}
	if rule := table.Rule(protocol.OpOpenAIResponseGenerateStream); rule.Target != protocol.ProtoOpenAIChat {
		t.Fatalf("responses target = %v", rule.Target)
	}
	if rule := table.Rule(protocol.OpOpenAIChatGenerate); rule.Kind != protocol.RuleNative {
		t.Fatalf("chat should be native")
	}
}

func TestBuildRequestNIMGateway(t *testing.T) {
	p := New()
	call := &provider.Call{Op: protocol.OpOpenAIChatGenerate, Secret: apiKeySecret("nv")}
	req, err := p.BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.URL != "https://integrate.api.nvidia.com/v1/chat/completions" {
		t.Fatalf("url = %s", req.URL)
	}
	if req.Header.Get("Authorization") != "Bearer nv" {
		t.Fatalf("auth = %q", req.Header.Get("Authorization"))
	}

	call.Op = protocol.OpOpenAIInputTokens
	if _, err := p.BuildRequest(call); err == nil {
		t.Fatalf("input tokens must not reach the upstream")
	}
}

func TestLocalResponseInputTokens(t *testing.T) {
	p := New()
	call := &provider.Call{
		Op:    protocol.OpOpenAIInputTokens,
		Model: "meta/llama-3.1-70b-instruct",
		Body:  []byte(`{"model":"meta/llama-3.1-70b-instruct","input":"count me"}`),
	}
	resp, handled, err := p.LocalResponse(call)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if gjson.GetBytes(resp.Body, "input_tokens").Int() <= 0 {
		t.Fatalf("count = %s", resp.Body)
	}

	if _, handled, _ := p.LocalResponse(&provider.Call{Op: protocol.OpOpenAIChatGenerate}); handled {
		t.Fatalf("generate must forward")
	}
}
