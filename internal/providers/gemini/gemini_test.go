package gemini

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

func TestVertexModelRef(t *testing.T) {
	cases := []struct{ in, fallback, want string }{
		{"", "gemini-2.5-pro", "publishers/google/models/gemini-2.5-pro"},
		{"gemini-2.5-pro", "x", "publishers/google/models/gemini-2.5-pro"},
		{"models/gemini-2.5-pro", "x", "publishers/google/models/gemini-2.5-pro"},
		{"/models/gemini-2.5-pro", "x", "publishers/google/models/gemini-2.5-pro"},
		{"publishers/anthropic/models/claude-sonnet", "x", "publishers/anthropic/models/claude-sonnet"},
		{"anthropic/claude-sonnet", "x", "publishers/anthropic/models/claude-sonnet"},
	}
	for _, tc := range cases {
		if got := VertexModelRef(tc.in, tc.fallback); got != tc.want {
			t.Fatalf("VertexModelRef(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVertexCountTokensBody(t *testing.T) {
	out := VertexCountTokensBody("gemini-2.5-pro", []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`))
	doc := gjson.ParseBytes(out)
	if doc.Get("model").String() != "publishers/google/models/gemini-2.5-pro" {
		t.Fatalf("model = %s", out)
	}
	if doc.Get("contents.0.parts.0.text").String() != "hi" {
		t.Fatalf("contents lost: %s", out)
	}

	wrapped := []byte(`{"generateContentRequest":{
		"model":"models/gemini-2.5-pro",
		"contents":[{"parts":[{"text":"hey"}]}],
		"system_instruction":{"parts":[{"text":"sys"}]},
		"generation_config":{"temperature":0.1}
	}}`)
	out = VertexCountTokensBody("gemini-2.5-pro", wrapped)
	doc = gjson.ParseBytes(out)
	if doc.Get("contents.0.parts.0.text").String() != "hey" {
		t.Fatalf("wrapped contents lost: %s", out)
	}
	if doc.Get("systemInstruction.parts.0.text").String() != "sys" {
		t.Fatalf("snake_case system instruction not lifted: %s", out)
	}
	if doc.Get("generationConfig.temperature").Float() != 0.1 {
		t.Fatalf("generation config lost: %s", out)
	}
	if doc.Get("model").String() != "publishers/google/models/gemini-2.5-pro" {
		t.Fatalf("wrapped model ref = %s", out)
	}
}

func TestRewriteVertexBodyModel(t *testing.T) {
	out := RewriteVertexBodyModel([]byte(`{"model":"gemini-2.5-pro"}`), "gemini-2.5-pro")
	if gjson.GetBytes(out, "model").String() != "publishers/google/models/gemini-2.5-pro" {
		t.Fatalf("model = %s", out)
	}
	body := []byte(`{"contents":[]}`)
	if got := RewriteVertexBodyModel(body, "m"); string(got) != string(body) {
		t.Fatalf("modelless body rewritten: %s", got)
	}
}

func TestVertexExpressBuildRequest(t *testing.T) {
	p := NewVertexExpress()
	call := &provider.Call{
		Op:     protocol.OpGeminiGenerate,
		Model:  "models/gemini-2.5-pro",
		Body:   []byte(`{"contents":[]}`),
		Secret: &provider.Secret{VertexExpress: &provider.APIKeySecret{APIKey: "express-key"}},
	}
	req, err := p.BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "https://aiplatform.googleapis.com/v1beta1/publishers/google/models/gemini-2.5-pro:generateContent?key=express-key"
	if req.URL != want {
		t.Fatalf("url = %s", req.URL)
	}
}

func TestAIStudioBuildRequest(t *testing.T) {
	p := NewAIStudio()
	call := &provider.Call{
		Op:     protocol.OpGeminiCountTokens,
		Model:  "gemini-2.5-flash",
		Body:   []byte(`{"contents":[]}`),
		Secret: &provider.Secret{AIStudio: &provider.APIKeySecret{APIKey: "studio-key"}},
	}
	req, err := p.BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.URL != "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:countTokens" {
		t.Fatalf("url = %s", req.URL)
	}
	if req.Header.Get("x-goog-api-key") != "studio-key" {
		t.Fatalf("key header = %q", req.Header.Get("x-goog-api-key"))
	}
}

func TestWrapInternalRequest(t *testing.T) {
	out := wrapInternalRequest("gemini-2.5-pro", "proj-1", "prompt-1", []byte(`{"contents":[]}`))
	doc := gjson.ParseBytes(out)
	if doc.Get("model").String() != "gemini-2.5-pro" || doc.Get("project").String() != "proj-1" {
		t.Fatalf("envelope = %s", out)
	}
	if doc.Get("user_prompt_id").String() != "prompt-1" {
		t.Fatalf("prompt id = %s", out)
	}
	if !doc.Get("request.contents").IsArray() {
		t.Fatalf("request not embedded: %s", out)
	}

	// Antigravity omits the prompt id.
	out = wrapInternalRequest("m", "p", "", nil)
	if gjson.GetBytes(out, "user_prompt_id").Exists() {
		t.Fatalf("empty prompt id serialized: %s", out)
	}
	if gjson.GetBytes(out, "request").Raw != "{}" {
		t.Fatalf("nil body should embed an empty object: %s", out)
	}
}

func TestCloudCodeCountTokensBody(t *testing.T) {
	out := cloudCodeCountTokensBody("gemini-2.5-pro", []byte(`{"contents":[{"parts":[{"text":"a"}]}]}`))
	doc := gjson.ParseBytes(out)
	if doc.Get("request.model").String() != "models/gemini-2.5-pro" {
		t.Fatalf("model = %s", out)
	}
	if doc.Get("request.contents.0.parts.0.text").String() != "a" {
		t.Fatalf("contents = %s", out)
	}

	wrapped := cloudCodeCountTokensBody("m", []byte(`{"generateContentRequest":{"contents":[{"parts":[]}]}}`))
	if !gjson.GetBytes(wrapped, "request.contents").IsArray() {
		t.Fatalf("wrapped contents not lifted: %s", wrapped)
	}
}

func TestUnwrapInternalResponse(t *testing.T) {
	plain := []byte(`{"candidates":[]}`)
	if got := unwrapInternalResponse(plain); string(got) != string(plain) {
		t.Fatalf("plain body rewritten: %s", got)
	}
	single := []byte(`{"response":{"candidates":[]}}`)
	if got := unwrapInternalResponse(single); gjson.GetBytes(got, "response").Exists() {
		t.Fatalf("envelope survived: %s", got)
	}
	double := []byte(`{"response":{"response":{"candidates":[{"content":{}}]}}}`)
	got := unwrapInternalResponse(double)
	if !gjson.GetBytes(got, "candidates").IsArray() {
		t.Fatalf("double envelope survived: %s", got)
	}
}

func TestEnsureCandidateParts(t *testing.T) {
	body := []byte(`{"candidates":[{"content":{"role":"model"}},{"content":{"parts":[{"text":"x"}]}}]}`)
	out := ensureCandidateParts(body)
	if !gjson.GetBytes(out, "candidates.0.content.parts").IsArray() {
		t.Fatalf("parts not backfilled: %s", out)
	}
	if gjson.GetBytes(out, "candidates.1.content.parts.0.text").String() != "x" {
		t.Fatalf("existing parts changed: %s", out)
	}
	// Candidates without content stay untouched.
	body = []byte(`{"candidates":[{"finishReason":"STOP"}]}`)
	if out := ensureCandidateParts(body); gjson.GetBytes(out, "candidates.0.content").Exists() {
		t.Fatalf("content invented: %s", out)
	}
}

func TestSplitStreamPayload(t *testing.T) {
	identity := func(b []byte) []byte { return b }

	events := splitStreamPayload([]byte(`[{"a":1},{"a":2}]`), identity)
	if len(events) != 2 || gjson.GetBytes(events[1], "a").Int() != 2 {
		t.Fatalf("array fan-out = %q", events)
	}

	events = splitStreamPayload([]byte(`{"response":{"a":1}}`), unwrapInternalResponse)
	if len(events) != 1 || gjson.GetBytes(events[0], "a").Int() != 1 {
		t.Fatalf("object = %q", events)
	}

	events = splitStreamPayload([]byte("[DONE]"), identity)
	if len(events) != 1 || string(events[0]) != "[DONE]" {
		t.Fatalf("done marker = %q", events)
	}
}

func TestEmbeddedCatalog(t *testing.T) {
	raw, ok := modelByName(stripModelsPrefix, "models/gemini-2.5-pro")
	if !ok {
		t.Fatalf("catalog misses gemini-2.5-pro")
	}
	if gjson.GetBytes(raw, "name").String() != "models/gemini-2.5-pro" {
		t.Fatalf("entry = %s", raw)
	}
	if _, ok := modelByName(stripModelsPrefix, "gemini-2.5-pro"); !ok {
		t.Fatalf("bare id should match")
	}
	if _, ok := modelByName(stripModelsPrefix, "no-such-model"); ok {
		t.Fatalf("unexpected match")
	}

	p := NewGeminiCli()
	resp, handled, err := p.LocalResponse(&provider.Call{Op: protocol.OpGeminiModelsGet, Model: "missing"})
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if resp.Status != http.StatusNotFound {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestGeminiCliBuildRequest(t *testing.T) {
	p := NewGeminiCli()
	call := &provider.Call{
		Op:     protocol.OpGeminiGenerateStream,
		Stream: true,
		Model:  "models/gemini-2.5-pro",
		Body:   []byte(`{"contents":[]}`),
		Secret: &provider.Secret{GeminiCli: &provider.GoogleOAuthSecret{AccessToken: "at", ProjectID: "proj-9"}},
	}
	req, err := p.BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.URL != "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse" {
		t.Fatalf("url = %s", req.URL)
	}
	doc := gjson.ParseBytes(req.Body)
	if doc.Get("project").String() != "proj-9" || doc.Get("model").String() != "gemini-2.5-pro" {
		t.Fatalf("envelope = %s", req.Body)
	}
	if doc.Get("user_prompt_id").String() == "" {
		t.Fatalf("prompt id missing: %s", req.Body)
	}
	if req.Header.Get("User-Agent") != geminiCliUserAgent {
		t.Fatalf("ua = %q", req.Header.Get("User-Agent"))
	}

	call.Secret.GeminiCli.ProjectID = ""
	if _, err := p.BuildRequest(call); err == nil || !strings.Contains(err.Error(), "project id") {
		t.Fatalf("err = %v", err)
	}
}

func TestAntigravityBuildRequest(t *testing.T) {
	p := NewAntigravity()
	call := &provider.Call{
		Op:     protocol.OpGeminiGenerate,
		Model:  "gemini-3-pro-image",
		Body:   []byte(`{"contents":[]}`),
		Secret: &provider.Secret{Antigravity: &provider.GoogleOAuthSecret{AccessToken: "at", ProjectID: "proj-2"}},
	}
	req, err := p.BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.URL != "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:generateContent" {
		t.Fatalf("url = %s", req.URL)
	}
	if req.Header.Get("requesttype") != "image_gen" {
		t.Fatalf("requesttype = %q", req.Header.Get("requesttype"))
	}
	if req.Header.Get("requestid") == "" {
		t.Fatalf("requestid missing")
	}
	if gjson.GetBytes(req.Body, "user_prompt_id").Exists() {
		t.Fatalf("antigravity must not send a prompt id: %s", req.Body)
	}

	call.Op = protocol.OpGeminiModelsGet
	call.Model = "models/gemini-3-pro"
	req, err = p.BuildRequest(call)
	if err != nil {
		t.Fatalf("build models get: %v", err)
	}
	if req.Method != http.MethodPost || !strings.Contains(req.URL, ":fetchAvailableModels?name=") {
		t.Fatalf("models get = %s %s", req.Method, req.URL)
	}
}

func TestRequestTypeForModel(t *testing.T) {
	if requestTypeForModel("gemini-3-pro-image-preview") != "image_gen" {
		t.Fatalf("image model misclassified")
	}
	if requestTypeForModel("gemini-3-pro") != "agent" {
		t.Fatalf("text model misclassified")
	}
}

func TestAvailableModelRows(t *testing.T) {
	payload := []byte(`{"models":{
		"gemini-3-pro":{"displayName":"Gemini 3 Pro","maxTokens":1000000},
		"gemini-3-flash":{}
	}}`)
	rows := availableModelRows(payload)
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	// Sorted by resource name.
	if rows[0]["name"] != "models/gemini-3-flash" || rows[1]["name"] != "models/gemini-3-pro" {
		t.Fatalf("order = %v", rows)
	}
	if rows[1]["displayName"] != "Gemini 3 Pro" || rows[1]["inputTokenLimit"] != int64(1000000) {
		t.Fatalf("meta = %v", rows[1])
	}

	payload = []byte(`{"models":["models/gemini-3-pro","gemini-3-pro",{"id":"gemini-3-flash"}]}`)
	rows = availableModelRows(payload)
	if len(rows) != 2 {
		t.Fatalf("dedupe failed: %v", rows)
	}
}

func TestAntigravityNormalizeModelsGetMiss(t *testing.T) {
	p := NewAntigravity()
	call := &provider.Call{Op: protocol.OpGeminiModelsGet, Model: "nope"}
	_, err := p.NormalizeResponse(call, []byte(`{"models":{"gemini-3-pro":{}}}`))
	var statusErr *protocol.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}

	out, err := p.NormalizeResponse(call, []byte(`{"models":{"nope":{"displayName":"Nope"}}}`))
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if gjson.GetBytes(out, "displayName").String() != "Nope" {
		t.Fatalf("row = %s", out)
	}
}

func TestEstimateGeminiBodyTokens(t *testing.T) {
	body := []byte(`{"contents":[{"parts":[{"text":"abcdefgh"}]}]}`)
	if got := estimateGeminiBodyTokens(body); got != 2 {
		t.Fatalf("direct contents = %d", got)
	}
	body = []byte(`{"generateContentRequest":{"contents":[{"parts":[{"text":"abcd"}]}]}}`)
	if got := estimateGeminiBodyTokens(body); got != 1 {
		t.Fatalf("wrapped contents = %d", got)
	}
	if got := estimateGeminiBodyTokens([]byte(`{}`)); got != 0 {
		t.Fatalf("empty body = %d", got)
	}
}
