package vertex

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

func serviceAccount() *provider.Secret {
	return &provider.Secret{Vertex: &provider.ServiceAccountSecret{
		ProjectID:   "proj-1",
		ClientEmail: "sa@proj-1.iam.gserviceaccount.com",
		AccessToken: "ya29.token",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}}
}

func TestDispatchGeminiNative(t *testing.T) {
	table := New().Dispatch(nil)
	for op := protocol.OpGeminiGenerate; op <= protocol.OpGeminiModelsGet; op++ {
		if !table.Rule(op).IsNative() {
			t.Fatalf("%s should be native", op)
		}
	}
	if rule := table.Rule(protocol.OpClaudeGenerate); rule.Kind != protocol.RuleTransform || rule.Target != protocol.ProtoGemini {
		t.Fatalf("claude generate = %s", rule)
	}
	if !table.Rule(protocol.OpOpenAIChatGenerate).IsNative() {
		t.Fatalf("chat should ride the openapi endpoint natively")
	}
	if table.Rule(protocol.OpOAuthStart).Kind != protocol.RuleUnsupported {
		t.Fatalf("service accounts have no oauth flow")
	}
}

func TestBuildRequestPublisherEndpoints(t *testing.T) {
	call := &provider.Call{
		Op:     protocol.OpGeminiGenerate,
		Model:  "models/gemini-2.5-pro",
		Body:   []byte(`{"contents":[]}`),
		Secret: serviceAccount(),
	}
	req, err := New().BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "https://aiplatform.googleapis.com/v1beta1/projects/proj-1/locations/us-central1/publishers/google/models/gemini-2.5-pro:generateContent"
	if req.URL != want {
		t.Fatalf("url = %s", req.URL)
	}
	if req.Header.Get("Authorization") != "Bearer ya29.token" {
		t.Fatalf("auth = %q", req.Header.Get("Authorization"))
	}
	// The body's model field is rewritten to the publisher resource.
	if got := gjson.GetBytes(req.Body, "model").String(); got != "" && !strings.HasPrefix(got, "publishers/") {
		t.Fatalf("body model = %q", got)
	}

	call.Settings = &provider.ChannelSettings{Location: "europe-west4"}
	req, err = New().BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(req.URL, "/locations/europe-west4/") {
		t.Fatalf("location override lost: %s", req.URL)
	}
}

func TestBuildRequestChatEndpoint(t *testing.T) {
	call := &provider.Call{
		Op:     protocol.OpOpenAIChatGenerate,
		Model:  "google/gemini-2.5-pro",
		Body:   []byte(`{"model":"gemini-2.5-pro","messages":[]}`),
		Secret: serviceAccount(),
	}
	req, err := New().BuildRequest(call)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "https://aiplatform.googleapis.com/v1beta1/projects/proj-1/locations/us-central1/endpoints/openapi/chat/completions"
	if req.URL != want {
		t.Fatalf("url = %s", req.URL)
	}
	if got := gjson.GetBytes(req.Body, "model").String(); got != "google/gemini-2.5-pro" {
		t.Fatalf("chat model = %q", got)
	}
}

func TestBuildRequestNeedsExchangedToken(t *testing.T) {
	call := &provider.Call{
		Op:     protocol.OpGeminiGenerate,
		Model:  "gemini-2.5-pro",
		Secret: &provider.Secret{Vertex: &provider.ServiceAccountSecret{ProjectID: "p"}},
	}
	if _, err := New().BuildRequest(call); err == nil || !strings.Contains(err.Error(), "access token") {
		t.Fatalf("err = %v", err)
	}
}

func TestNormalizeChatModel(t *testing.T) {
	cases := []struct{ in, want string }{
		{"publishers/google/models/gemini-2.5-pro", "google/gemini-2.5-pro"},
		{"projects/p/locations/l/publishers/anthropic/models/claude-sonnet", "anthropic/claude-sonnet"},
		{"models/gemini-2.5-pro", "google/gemini-2.5-pro"},
		{"google/gemini-2.5-pro", "google/gemini-2.5-pro"},
		{"gemini-2.5-pro", "google/gemini-2.5-pro"},
	}
	for _, tc := range cases {
		if got := normalizeChatModel(tc.in); got != tc.want {
			t.Fatalf("normalizeChatModel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeModelList(t *testing.T) {
	body := []byte(`{"publisherModels":[
		{"name":"publishers/google/models/gemini-2.5-pro","versionId":"001","supportedActions":{}},
		{"name":"publishers/google/models/gemini-2.5-flash@default"}
	],"nextPageToken":"tok"}`)
	call := &provider.Call{Op: protocol.OpGeminiModelsList}
	out, err := New().NormalizeResponse(call, body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	doc := gjson.ParseBytes(out)
	rows := doc.Get("models").Array()
	if len(rows) != 2 {
		t.Fatalf("rows = %s", out)
	}
	if rows[0].Get("name").String() != "models/gemini-2.5-pro" || rows[0].Get("version").String() != "001" {
		t.Fatalf("row 0 = %s", rows[0].Raw)
	}
	// The @suffix doubles as a version when none is declared.
	if rows[1].Get("version").String() != "default" {
		t.Fatalf("row 1 = %s", rows[1].Raw)
	}
	if doc.Get("nextPageToken").String() != "tok" {
		t.Fatalf("page token lost: %s", out)
	}

	// Already Gemini-shaped listings pass through.
	shaped := []byte(`{"models":[{"name":"models/g","version":"1"}]}`)
	out, err = New().NormalizeResponse(call, shaped)
	if err != nil || string(out) != string(shaped) {
		t.Fatalf("passthrough changed: %s (%v)", out, err)
	}
}

func TestNormalizeModelGet(t *testing.T) {
	body := []byte(`{"publisherModel":{"name":"publishers/google/models/gemini-2.5-pro","versionId":"001","description":"d"}}`)
	call := &provider.Call{Op: protocol.OpGeminiModelsGet}
	out, err := New().NormalizeResponse(call, body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	doc := gjson.ParseBytes(out)
	if doc.Get("name").String() != "models/gemini-2.5-pro" || doc.Get("description").String() != "d" {
		t.Fatalf("row = %s", out)
	}
}

func testServiceAccountKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestSignAssertion(t *testing.T) {
	sa := &provider.ServiceAccountSecret{
		ClientEmail:  "sa@proj.iam.gserviceaccount.com",
		PrivateKey:   testServiceAccountKey(t),
		PrivateKeyID: "kid-1",
	}
	now := time.Unix(1700000000, 0)
	assertion, err := signAssertion(sa, defaultTokenURI, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parts := strings.Split(assertion, ".")
	if len(parts) != 3 {
		t.Fatalf("assertion is not a JWT: %q", assertion)
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var header map[string]any
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if header["alg"] != "RS256" || header["kid"] != "kid-1" {
		t.Fatalf("header = %v", header)
	}
	claimsRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(claimsRaw, &claims); err != nil {
		t.Fatalf("parse claims: %v", err)
	}
	if claims["iss"] != sa.ClientEmail || claims["aud"] != defaultTokenURI {
		t.Fatalf("claims = %v", claims)
	}
	if claims["scope"] != defaultScope {
		t.Fatalf("scope = %v", claims["scope"])
	}
	if int64(claims["exp"].(float64))-int64(claims["iat"].(float64)) != int64(tokenLifetime/time.Second) {
		t.Fatalf("lifetime = %v..%v", claims["iat"], claims["exp"])
	}

	sa.PrivateKey = "not a pem"
	if _, err := signAssertion(sa, defaultTokenURI, now); err == nil {
		t.Fatalf("bad key must fail")
	}
}
