package protocol

import (
	"encoding/json"
	"testing"
)

func TestSplitProviderModel(t *testing.T) {
	cases := []struct {
		in       string
		provider string
		model    string
		wantErr  bool
	}{
		{"openai/gpt-4o", "openai", "gpt-4o", false},
		{"/openai/gpt-4o", "openai", "gpt-4o", false},
		{"models/gemini/gemini-2.0-flash", "gemini", "gemini-2.0-flash", false},
		{"vertex/publishers/google/models/gemini-pro", "vertex", "publishers/google/models/gemini-pro", false},
		{"  claude/claude-sonnet-4 ", "claude", "claude-sonnet-4", false},
		{"gpt-4o", "", "", true},
		{"openai/", "", "", true},
		{"/", "", "", true},
		{"", "", "", true},
	}
	for _, tc := range cases {
		provider, model, err := SplitProviderModel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("SplitProviderModel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("SplitProviderModel(%q): %v", tc.in, err)
		}
		if provider != tc.provider || model != tc.model {
			t.Fatalf("SplitProviderModel(%q) = %q, %q", tc.in, provider, model)
		}
	}
}

func TestSplitGeminiAction(t *testing.T) {
	model, action, ok := SplitGeminiAction("gemini-2.0-flash:streamGenerateContent")
	if !ok || model != "gemini-2.0-flash" || action != "streamGenerateContent" {
		t.Fatalf("unexpected split: %q %q %v", model, action, ok)
	}
	model, action, ok = SplitGeminiAction("tunedModels/abc:def:generateContent")
	if !ok || model != "tunedModels/abc:def" || action != "generateContent" {
		t.Fatalf("expected last-colon split, got %q %q", model, action)
	}
	if _, _, ok = SplitGeminiAction("gemini-2.0-flash"); ok {
		t.Fatalf("expected no action")
	}
	if _, _, ok = SplitGeminiAction("gemini-2.0-flash:"); ok {
		t.Fatalf("expected empty action to be rejected")
	}
}

func TestOperationClassification(t *testing.T) {
	if !OpClaudeGenerateStream.IsStream() || !OpClaudeGenerateStream.IsGenerate() {
		t.Fatalf("claude stream misclassified")
	}
	if OpClaudeCountTokens.IsGenerate() {
		t.Fatalf("count tokens is not generate")
	}
	if OpUsage.IsStream() {
		t.Fatalf("usage is not a stream op")
	}
	up, ok := OpOpenAIChatGenerate.StreamVariant()
	if !ok || up != OpOpenAIChatGenerateStream {
		t.Fatalf("unexpected stream variant %v", up)
	}
	down, ok := OpGeminiGenerateStream.NonStreamVariant()
	if !ok || down != OpGeminiGenerate {
		t.Fatalf("unexpected non-stream variant %v", down)
	}
	if _, ok := OpOAuthStart.Proto(); ok {
		t.Fatalf("oauth ops carry no dialect")
	}
	p, ok := OpOpenAIInputTokens.Proto()
	if !ok || p != ProtoOpenAI {
		t.Fatalf("input tokens dialect = %v", p)
	}
}

func TestStreamFormats(t *testing.T) {
	if ProtoClaude.StreamFormat() != StreamSSENamed {
		t.Fatalf("claude stream format")
	}
	if ProtoOpenAIChat.StreamFormat() != StreamSSEDataOnly {
		t.Fatalf("openai chat stream format")
	}
	if ProtoOpenAIResponse.StreamFormat() != StreamSSENamed {
		t.Fatalf("responses stream format")
	}
	if ProtoGemini.StreamFormat() != StreamJSONArray {
		t.Fatalf("gemini stream format")
	}
	if ProtoOpenAI.StreamFormat() != StreamNone {
		t.Fatalf("openai basic surface has no stream format")
	}
}

func TestDecodeDispatchTable(t *testing.T) {
	entries := []string{`"native"`, `{"transform":{"target":"gemini"}}`, `"unsupported"`, `{"bogus":1}`}
	raw := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		raw[i] = json.RawMessage(e)
	}
	table, err := DecodeDispatchTable(raw)
	if err != nil {
		t.Fatalf("decode table: %v", err)
	}
	if table.Rule(OpClaudeGenerate).Kind != RuleNative {
		t.Fatalf("entry 0 should be native")
	}
	r := table.Rule(OpClaudeGenerateStream)
	if r.Kind != RuleTransform || r.Target != ProtoGemini {
		t.Fatalf("entry 1 should transform to gemini, got %v", r)
	}
	if table.Rule(OpClaudeCountTokens).Kind != RuleUnsupported {
		t.Fatalf("entry 2 should be unsupported")
	}
	if table.Rule(OpClaudeModelsGet).Kind != RuleUnsupported {
		t.Fatalf("bad entry should demote to unsupported")
	}
	if table.Rule(OpUsage).Kind != RuleUnsupported {
		t.Fatalf("missing entries should pad with unsupported")
	}
}

func TestDispatchRuleRoundTrip(t *testing.T) {
	rules := []DispatchRule{Native(), Transform(ProtoOpenAIResponse), Unsupported()}
	for _, r := range rules {
		data, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal %v: %v", r, err)
		}
		var back DispatchRule
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != r {
			t.Fatalf("round trip %v != %v", back, r)
		}
	}
}
