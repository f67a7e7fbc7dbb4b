package codex

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

func codexCallSecret() *provider.Secret {
	return &provider.Secret{Codex: &provider.CodexSecret{AccessToken: "at", AccountID: "acct-1"}}
}

func TestDispatchStreamsOnly(t *testing.T) {
	table := New().Dispatch(nil)

	// The backend only answers streaming generates; unary rows stay
	// unsupported and the engine resolves them through the stream variant.
	for _, op := range []protocol.Operation{
		protocol.OpClaudeGenerate,
		protocol.OpGeminiGenerate,
		protocol.OpOpenAIChatGenerate,
		protocol.OpOpenAIResponseGenerate,
	} {
		if table.Rule(op).Kind != protocol.RuleUnsupported {
			t.Fatalf("%s should be unsupported, got %s", op, table.Rule(op))
		}
	}
	for _, op := range []protocol.Operation{
		protocol.OpClaudeGenerateStream,
		protocol.OpGeminiGenerateStream,
		protocol.OpOpenAIChatGenerateStream,
	} {
		rule := table.Rule(op)
		if rule.Kind != protocol.RuleTransform || rule.Target != protocol.ProtoOpenAIResponse {
			t.Fatalf("%s should transform to openai_response, got %s", op, rule)
		}
	}
	if !table.Rule(protocol.OpOpenAIResponseGenerateStream).IsNative() {
		t.Fatalf("responses stream should be native")
	}
	if rule := table.Rule(protocol.OpClaudeCountTokens); rule.Kind != protocol.RuleTransform || rule.Target != protocol.ProtoOpenAI {
		t.Fatalf("count should transform to openai basics, got %s", rule)
	}
	if !table.Rule(protocol.OpUsage).IsNative() {
		t.Fatalf("usage should be native")
	}
}

func TestBuildRequestResponses(t *testing.T) {
	call := &provider.Call{
		Op:     protocol.OpOpenAIResponseGenerateStream,
		Stream: true,
		Model:  "gpt-5",
		Body:   []byte(`{"model":"gpt-5","input":"hello","temperature":0.3,"max_output_tokens":10,"store":true}`),
		Secret: codexCallSecret(),
	}
	req, err := New().BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.URL != "https://chatgpt.com/backend-api/codex/responses" {
		t.Fatalf("url = %s", req.URL)
	}
	if req.Header.Get("Authorization") != "Bearer at" || req.Header.Get("chatgpt-account-id") != "acct-1" {
		t.Fatalf("auth headers: %v", req.Header)
	}
	body := gjson.ParseBytes(req.Body)
	if body.Get("store").Bool() {
		t.Fatalf("store not forced off: %s", req.Body)
	}
	if body.Get("temperature").Exists() || body.Get("max_output_tokens").Exists() {
		t.Fatalf("rejected fields survived: %s", req.Body)
	}
	if body.Get("input.0.content").String() != "hello" || body.Get("input.0.role").String() != "user" {
		t.Fatalf("string input not wrapped: %s", req.Body)
	}
	if !body.Get("instructions").Exists() {
		t.Fatalf("instructions missing: %s", req.Body)
	}
}

func TestBuildRequestCompact(t *testing.T) {
	call := &provider.Call{
		Op:      protocol.OpOpenAIResponseGenerate,
		Compact: true,
		Body:    []byte(`{"model":"gpt-5","input":[],"stream":true,"stream_options":{"include_usage":true}}`),
		Secret:  codexCallSecret(),
	}
	req, err := New().BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.URL != "https://chatgpt.com/backend-api/codex/responses/compact" {
		t.Fatalf("url = %s", req.URL)
	}
	body := gjson.ParseBytes(req.Body)
	if body.Get("stream").Bool() || body.Get("stream_options").Exists() {
		t.Fatalf("compact body must be unary: %s", req.Body)
	}
}

func TestBuildRequestModels(t *testing.T) {
	call := &provider.Call{Op: protocol.OpOpenAIModelsList, Secret: codexCallSecret()}
	req, err := New().BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.URL != "https://chatgpt.com/backend-api/codex/models?client_version="+clientVersion {
		t.Fatalf("url = %s", req.URL)
	}
}

func TestLocalResponseInputTokens(t *testing.T) {
	call := &provider.Call{
		Op:   protocol.OpOpenAIInputTokens,
		Body: []byte(`{"model":"gpt-4o","input":"hello world","instructions":"be brief"}`),
	}
	resp, handled, err := New().LocalResponse(call)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	doc := gjson.ParseBytes(resp.Body)
	if doc.Get("object").String() != "response.input_tokens" || doc.Get("input_tokens").Int() <= 0 {
		t.Fatalf("body = %s", resp.Body)
	}
}

func TestNormalizeModelListFromCatalog(t *testing.T) {
	catalog := []byte(`{"models":[
		{"slug":"gpt-5","display_name":"GPT-5","created":1710000000},
		{"id":"gpt-5-codex"}
	]}`)
	call := &provider.Call{Op: protocol.OpOpenAIModelsList}
	out, err := New().NormalizeResponse(call, catalog)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	doc := gjson.ParseBytes(out)
	if doc.Get("object").String() != "list" {
		t.Fatalf("object = %s", out)
	}
	rows := doc.Get("data").Array()
	if len(rows) != 2 || rows[0].Get("id").String() != "gpt-5" || rows[0].Get("owned_by").String() != "openai" {
		t.Fatalf("rows = %s", out)
	}
	if rows[0].Get("display_name").String() != "GPT-5" || rows[0].Get("created").Int() != 1710000000 {
		t.Fatalf("row fields = %s", out)
	}

	// Already OpenAI-shaped payloads pass through untouched.
	shaped := []byte(`{"object":"list","data":[{"id":"gpt-5","object":"model"}]}`)
	out, err = New().NormalizeResponse(call, shaped)
	if err != nil || string(out) != string(shaped) {
		t.Fatalf("passthrough changed: %s (%v)", out, err)
	}
}

func TestNormalizeModelGet(t *testing.T) {
	call := &provider.Call{Op: protocol.OpOpenAIModelsGet, Model: "gpt-5-codex"}
	catalog := []byte(`{"models":[{"slug":"gpt-5"},{"slug":"gpt-5-codex"}]}`)
	out, err := New().NormalizeResponse(call, catalog)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if gjson.GetBytes(out, "id").String() != "gpt-5-codex" {
		t.Fatalf("carved row = %s", out)
	}

	// models/ prefixes on the requested id are ignored for matching.
	call.Model = "models/gpt-5"
	out, err = New().NormalizeResponse(call, catalog)
	if err != nil || gjson.GetBytes(out, "id").String() != "gpt-5" {
		t.Fatalf("prefixed get = %s (%v)", out, err)
	}
}

func TestWrapCompactResponse(t *testing.T) {
	bare := []byte(`{"output":[{"type":"message"}],"usage":{"input_tokens":3}}`)
	out := wrapCompactResponse("gpt-5", bare)
	doc := gjson.ParseBytes(out)
	if doc.Get("object").String() != "response" || doc.Get("status").String() != "completed" {
		t.Fatalf("envelope = %s", out)
	}
	if doc.Get("id").String() != "resp_compact" || doc.Get("model").String() != "gpt-5" {
		t.Fatalf("defaults = %s", out)
	}
	if doc.Get("usage.input_tokens").Int() != 3 {
		t.Fatalf("usage lost: %s", out)
	}

	full := []byte(`{"object":"response","id":"resp_1","model":"gpt-5","created_at":1710000000,"output":[]}`)
	if got := wrapCompactResponse("gpt-5", full); string(got) != string(full) {
		t.Fatalf("full response rewrapped: %s", got)
	}

	// No output field means the payload is not a compact result.
	odd := []byte(`{"error":{"message":"nope"}}`)
	if got := wrapCompactResponse("gpt-5", odd); string(got) != string(odd) {
		t.Fatalf("non-compact payload rewritten: %s", got)
	}
}

func TestParseIDTokenClaims(t *testing.T) {
	payload := map[string]any{
		"https://api.openai.com/profile": map[string]any{"email": "dev@example.com"},
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_plan_type":  "pro",
			"chatgpt_account_id": "acct-42",
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	token := "x." + base64.RawURLEncoding.EncodeToString(raw) + ".y"
	claims, err := parseIDTokenClaims(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Email != "dev@example.com" || claims.Plan != "pro" || claims.AccountID != "acct-42" {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := parseIDTokenClaims("not-a-jwt"); err == nil || !strings.Contains(err.Error(), "JWT") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{`7`, 7},
		{`"9"`, 9},
		{`0`, 1},
		{`"junk"`, 5},
		{``, 5},
	}
	for _, tc := range cases {
		var raw json.RawMessage
		if tc.raw != "" {
			raw = json.RawMessage(tc.raw)
		}
		if got := parseInterval(raw); got != tc.want {
			t.Fatalf("parseInterval(%s) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}
