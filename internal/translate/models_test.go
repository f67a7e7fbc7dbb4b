package translate

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

func TestModelsListOpenAIToClaude(t *testing.T) {
	body := `{"object":"list","data":[
		{"id":"gpt-4o","object":"model","created":1715367049,"owned_by":"openai"},
		{"id":"o4-mini","object":"model","created":1744225000,"owned_by":"openai"}
	]}`
	rows, err := ParseModelsList(protocol.ProtoOpenAI, []byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "gpt-4o" || rows[1].Created != 1744225000 {
		t.Fatalf("rows = %+v", rows)
	}
	out, err := BuildModelsList(protocol.ProtoClaude, rows)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := gjson.GetBytes(out, "data.0.type").String(); got != "model" {
		t.Fatalf("row type = %q", got)
	}
	// Display names fall back to the id when the source has none.
	if got := gjson.GetBytes(out, "data.0.display_name").String(); got != "gpt-4o" {
		t.Fatalf("display_name = %q", got)
	}
	if got := gjson.GetBytes(out, "data.0.created_at").String(); got != "2024-05-10T18:50:49Z" {
		t.Fatalf("created_at = %q", got)
	}
	if gjson.GetBytes(out, "first_id").String() != "gpt-4o" || gjson.GetBytes(out, "last_id").String() != "o4-mini" {
		t.Fatalf("cursor fields: %s", out)
	}
	if gjson.GetBytes(out, "has_more").Bool() {
		t.Fatalf("has_more should be false: %s", out)
	}
}

func TestModelsListGeminiRoundTrip(t *testing.T) {
	body := `{"models":[{
		"name":"models/gemini-2.5-pro","version":"2.5","displayName":"Gemini 2.5 Pro",
		"description":"flagship","inputTokenLimit":1048576,"outputTokenLimit":65536,
		"supportedGenerationMethods":["generateContent"]
	}]}`
	rows, err := ParseModelsList(protocol.ProtoGemini, []byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rows[0].ID != "gemini-2.5-pro" {
		t.Fatalf("resource prefix kept: %q", rows[0].ID)
	}
	if rows[0].OwnedBy != "google" || rows[0].InputTokenLimit != 1048576 {
		t.Fatalf("row = %+v", rows[0])
	}

	openai, err := BuildModelsList(protocol.ProtoOpenAI, rows)
	if err != nil {
		t.Fatalf("build openai: %v", err)
	}
	if got := gjson.GetBytes(openai, "object").String(); got != "list" {
		t.Fatalf("object = %q", got)
	}
	if got := gjson.GetBytes(openai, "data.0.owned_by").String(); got != "google" {
		t.Fatalf("owned_by = %q", got)
	}

	gemini, err := BuildModelsList(protocol.ProtoGemini, rows)
	if err != nil {
		t.Fatalf("build gemini: %v", err)
	}
	if got := gjson.GetBytes(gemini, "models.0.name").String(); got != "models/gemini-2.5-pro" {
		t.Fatalf("name = %q", got)
	}
	if got := gjson.GetBytes(gemini, "models.0.supportedGenerationMethods.#").Int(); got != 3 {
		t.Fatalf("methods = %s", gemini)
	}
}

func TestBuildModelDefaults(t *testing.T) {
	row := ModelRow{ID: "claude-sonnet-4-5"}

	openai, err := BuildModel(protocol.ProtoOpenAIChat, row)
	if err != nil {
		t.Fatalf("build openai: %v", err)
	}
	if got := gjson.GetBytes(openai, "owned_by").String(); got != "system" {
		t.Fatalf("owned_by default = %q", got)
	}
	if gjson.GetBytes(openai, "created").Exists() {
		t.Fatalf("zero created should be omitted: %s", openai)
	}

	gemini, err := BuildModel(protocol.ProtoGemini, row)
	if err != nil {
		t.Fatalf("build gemini: %v", err)
	}
	if got := gjson.GetBytes(gemini, "name").String(); got != "models/claude-sonnet-4-5" {
		t.Fatalf("name = %q", got)
	}
	if got := gjson.GetBytes(gemini, "version").String(); got != "001" {
		t.Fatalf("version = %q", got)
	}
}

func TestParseModelClaude(t *testing.T) {
	body := `{"type":"model","id":"claude-sonnet-4-5","display_name":"Claude Sonnet 4.5","created_at":"2025-09-29T00:00:00Z"}`
	row, err := ParseModel(protocol.ProtoClaude, []byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if row.OwnedBy != "anthropic" || row.DisplayName != "Claude Sonnet 4.5" {
		t.Fatalf("row = %+v", row)
	}
	if row.Created != 1759104000 {
		t.Fatalf("created = %d", row.Created)
	}
}

func TestCountRequestClaudeToGemini(t *testing.T) {
	body := `{"model":"claude-sonnet-4-5","system":"sys","messages":[{"role":"user","content":"count me"}]}`
	out, err := CountRequest(protocol.ProtoClaude, protocol.ProtoGemini, "gemini-2.5-pro", []byte(body))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got := gjson.GetBytes(out, "generateContentRequest.model").String(); got != "models/gemini-2.5-pro" {
		t.Fatalf("model = %q", got)
	}
	if got := gjson.GetBytes(out, "generateContentRequest.contents.0.parts.0.text").String(); got != "count me" {
		t.Fatalf("contents = %s", out)
	}
	if got := gjson.GetBytes(out, "generateContentRequest.systemInstruction.parts.0.text").String(); got != "sys" {
		t.Fatalf("systemInstruction = %s", out)
	}
}

func TestCountRequestGeminiToClaude(t *testing.T) {
	body := `{"generateContentRequest":{"model":"models/gemini-2.5-pro","contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"maxOutputTokens":64}}}`
	out, err := CountRequest(protocol.ProtoGemini, protocol.ProtoClaude, "claude-sonnet-4-5", []byte(body))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got := gjson.GetBytes(out, "model").String(); got != "claude-sonnet-4-5" {
		t.Fatalf("model = %q", got)
	}
	if got := gjson.GetBytes(out, "messages.0.content.0.text").String(); got != "hi" {
		t.Fatalf("messages = %s", out)
	}
	// The counting endpoint rejects generation parameters.
	if gjson.GetBytes(out, "max_tokens").Exists() || gjson.GetBytes(out, "stream").Exists() {
		t.Fatalf("generation params kept: %s", out)
	}
}

func TestCountRequestOpenAIStripsKnobs(t *testing.T) {
	body := `{"model":"gpt-4o","input":[{"role":"user","content":"hi"}],"temperature":0.2,"max_output_tokens":10}`
	out, err := CountRequest(protocol.ProtoOpenAI, protocol.ProtoOpenAI, "gpt-4o", []byte(body))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	for _, f := range []string{"temperature", "max_output_tokens", "top_p", "stream"} {
		if gjson.GetBytes(out, f).Exists() {
			t.Fatalf("%s kept: %s", f, out)
		}
	}
	if got := gjson.GetBytes(out, "model").String(); got != "gpt-4o" {
		t.Fatalf("model = %q", got)
	}
}

func TestCountResponse(t *testing.T) {
	cases := []struct {
		name string
		from protocol.Proto
		to   protocol.Proto
		body string
		path string
		want int64
	}{
		{"gemini to claude", protocol.ProtoGemini, protocol.ProtoClaude, `{"totalTokens":42}`, "input_tokens", 42},
		{"gemini to claude context", protocol.ProtoGemini, protocol.ProtoClaude, `{"totalTokens":42}`, "context_management.original_input_tokens", 42},
		{"claude to gemini", protocol.ProtoClaude, protocol.ProtoGemini, `{"input_tokens":7}`, "totalTokens", 7},
		{"claude to openai", protocol.ProtoClaude, protocol.ProtoOpenAI, `{"input_tokens":7}`, "input_tokens", 7},
	}
	for _, c := range cases {
		out, err := CountResponse(c.from, c.to, []byte(c.body))
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if got := gjson.GetBytes(out, c.path).Int(); got != c.want {
			t.Fatalf("%s: %s = %d, want %d", c.name, c.path, got, c.want)
		}
	}
	if got := gjson.GetBytes(mustCount(t, protocol.ProtoClaude, protocol.ProtoOpenAI, `{"input_tokens":7}`), "object").String(); got != "response.input_tokens" {
		t.Fatalf("openai envelope = %q", got)
	}
	if _, err := CountResponse(protocol.ProtoClaude, protocol.ProtoGemini, []byte("not json")); err == nil {
		t.Fatalf("expected error for invalid body")
	}
}

func mustCount(t *testing.T, from, to protocol.Proto, body string) []byte {
	t.Helper()
	out, err := CountResponse(from, to, []byte(body))
	if err != nil {
		t.Fatalf("count response: %v", err)
	}
	return out
}
