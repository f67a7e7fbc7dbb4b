// Package vertex renders calls against Vertex AI with a Google service
// account. Generation runs through the regional publisher endpoints, Chat
// Completions through the OpenAI-compatible endpoint, and the catalog through
// the publisher model listing, reshaped to the Gemini models surface.
package vertex

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/router-for-me/ModelProxyAPI/internal/providers/gemini"
)

const (
	defaultBase     = "https://aiplatform.googleapis.com"
	defaultLocation = "us-central1"
)

// Provider implements the vertex kind.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Kind() models.ProviderKind { return models.ProviderKindVertex }

func (p *Provider) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
	return protocol.DispatchTable{
		protocol.OpClaudeGenerate:       protocol.Transform(protocol.ProtoGemini),
		protocol.OpClaudeGenerateStream: protocol.Transform(protocol.ProtoGemini),
		protocol.OpClaudeCountTokens:    protocol.Transform(protocol.ProtoGemini),
		protocol.OpClaudeModelsList:     protocol.Transform(protocol.ProtoGemini),
		protocol.OpClaudeModelsGet:      protocol.Transform(protocol.ProtoGemini),

		protocol.OpGeminiGenerate:       protocol.Native(),
		protocol.OpGeminiGenerateStream: protocol.Native(),
		protocol.OpGeminiCountTokens:    protocol.Native(),
		protocol.OpGeminiModelsList:     protocol.Native(),
		protocol.OpGeminiModelsGet:      protocol.Native(),

		protocol.OpOpenAIChatGenerate:           protocol.Native(),
		protocol.OpOpenAIChatGenerateStream:     protocol.Native(),
		protocol.OpOpenAIResponseGenerate:       protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIResponseGenerateStream: protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIInputTokens:            protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIModelsList:             protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIModelsGet:              protocol.Transform(protocol.ProtoGemini),
	}
}

func vertexSecret(secret *provider.Secret) (*provider.ServiceAccountSecret, error) {
	if secret == nil || secret.Vertex == nil {
		return nil, fmt.Errorf("vertex: credential carries no service account")
	}
	return secret.Vertex, nil
}

func (p *Provider) BuildRequest(call *provider.Call) (*provider.Request, error) {
	sa, err := vertexSecret(call.Secret)
	if err != nil {
		return nil, err
	}
	if sa.AccessToken == "" {
		return nil, fmt.Errorf("vertex: credential carries no exchanged access token")
	}
	base := provider.ResolveBase(call.Settings, defaultBase)
	location := defaultLocation
	if call.Settings != nil && call.Settings.Location != "" {
		location = call.Settings.Location
	}
	model := normalizeModelName(call.Model)
	publisherModels := fmt.Sprintf("/v1beta1/projects/%s/locations/%s/publishers/google/models/", sa.ProjectID, location)

	var req *provider.Request
	switch call.Op {
	case protocol.OpGeminiGenerate:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, publisherModels+model+":generateContent"), call)
		req.Body = gemini.RewriteVertexBodyModel(call.Body, model)
	case protocol.OpGeminiGenerateStream:
		u := provider.WithQuery(provider.JoinURL(base, publisherModels+model+":streamGenerateContent"), call.Query)
		req = provider.NewRequest(http.MethodPost, u, call)
		req.Body = gemini.RewriteVertexBodyModel(call.Body, model)
	case protocol.OpGeminiCountTokens:
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, publisherModels+model+":countTokens"), call)
		req.Body = gemini.VertexCountTokensBody(model, call.Body)
	case protocol.OpGeminiModelsList:
		u := provider.WithQuery(provider.JoinURL(base, "/v1beta1/publishers/google/models"), call.Query)
		req = provider.NewRequest(http.MethodGet, u, call)
	case protocol.OpGeminiModelsGet:
		req = provider.NewRequest(http.MethodGet, provider.JoinURL(base, "/v1beta1/publishers/google/models/"+model), call)
	case protocol.OpOpenAIChatGenerate, protocol.OpOpenAIChatGenerateStream:
		path := fmt.Sprintf("/v1beta1/projects/%s/locations/%s/endpoints/openapi/chat/completions", sa.ProjectID, location)
		req = provider.NewRequest(http.MethodPost, provider.JoinURL(base, path), call)
		req.Body = rewriteChatModel(call.Body)
	default:
		return nil, fmt.Errorf("vertex: operation %s cannot be rendered", call.Op)
	}
	req.Header.Set("Authorization", "Bearer "+sa.AccessToken)
	return req, nil
}

// NormalizeResponse reshapes publisher catalog payloads into the Gemini
// models surface. Generation payloads already match.
func (p *Provider) NormalizeResponse(call *provider.Call, body []byte) ([]byte, error) {
	switch call.Op {
	case protocol.OpGeminiModelsList:
		return normalizeModelList(body), nil
	case protocol.OpGeminiModelsGet:
		return normalizeModelGet(body), nil
	}
	return body, nil
}

// normalizeModelName strips resource prefixes down to the bare model id used
// in publisher paths.
func normalizeModelName(name string) string {
	name = strings.TrimPrefix(name, "models/")
	return strings.TrimPrefix(name, "publishers/google/models/")
}

// rewriteChatModel maps model references to the {publisher}/{model} form the
// OpenAI-compatible endpoint expects.
func rewriteChatModel(body []byte) []byte {
	m := gjson.GetBytes(body, "model")
	if m.Type != gjson.String {
		return body
	}
	out, err := sjson.SetBytes(body, "model", normalizeChatModel(m.String()))
	if err != nil {
		return body
	}
	return out
}

func normalizeChatModel(model string) string {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" {
		return trimmed
	}
	if stripped, ok := strings.CutPrefix(trimmed, "publishers/"); ok {
		if publisher, id, found := strings.Cut(stripped, "/models/"); found {
			return publisher + "/" + id
		}
	}
	if idx := strings.Index(trimmed, "/publishers/"); idx >= 0 {
		tail := trimmed[idx+len("/publishers/"):]
		if publisher, id, found := strings.Cut(tail, "/models/"); found {
			return publisher + "/" + id
		}
	}
	if stripped, ok := strings.CutPrefix(trimmed, "models/"); ok {
		return "google/" + stripped
	}
	if strings.Contains(trimmed, "/") {
		return trimmed
	}
	return "google/" + trimmed
}

// normalizeModelList reshapes a publisherModels listing; payloads already in
// the Gemini shape pass through.
func normalizeModelList(body []byte) []byte {
	root := gjson.ParseBytes(body)
	if !root.IsObject() || root.Get("models").Exists() {
		return body
	}
	rows := []json.RawMessage{}
	if items := root.Get("publisherModels"); items.IsArray() {
		items.ForEach(func(_, item gjson.Result) bool {
			rows = append(rows, publisherModelRow(item))
			return true
		})
	} else if items.Exists() {
		rows = append(rows, publisherModelRow(items))
	}
	out := map[string]any{"models": rows}
	if token := root.Get("nextPageToken"); token.Exists() && token.Type != gjson.Null {
		out["nextPageToken"] = json.RawMessage(token.Raw)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return body
	}
	return encoded
}

func normalizeModelGet(body []byte) []byte {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return body
	}
	if strings.HasPrefix(root.Get("name").String(), "models/") && root.Get("version").Exists() {
		return body
	}
	if inner := root.Get("publisherModel"); inner.Exists() {
		return publisherModelRow(inner)
	}
	return publisherModelRow(root)
}

// publisherModelRow converts one publisher model resource to a Gemini model
// row. Version falls back to the @suffix of versioned ids, then "unknown".
func publisherModelRow(item gjson.Result) json.RawMessage {
	if !item.IsObject() {
		return json.RawMessage(item.Raw)
	}
	rawName := strings.TrimSpace(item.Get("name").String())
	modelID := rawName
	if _, tail, found := cutLast(rawName, "/models/"); found {
		modelID = tail
	} else {
		modelID = strings.TrimPrefix(rawName, "models/")
	}

	version := item.Get("version").String()
	if version == "" {
		version = item.Get("versionId").String()
	}
	if version == "" {
		if _, suffix, found := cutLast(modelID, "@"); found && suffix != "" {
			version = suffix
		}
	}
	if version == "" {
		version = "unknown"
	}

	row := map[string]any{
		"name":    "models/" + modelID,
		"version": version,
	}
	if v := item.Get("displayName").String(); v != "" {
		row["displayName"] = v
	}
	if v := item.Get("description").String(); v != "" {
		row["description"] = v
	}
	if v := item.Get("inputTokenLimit"); v.Type == gjson.Number {
		row["inputTokenLimit"] = v.Int()
	}
	if v := item.Get("outputTokenLimit"); v.Type == gjson.Number {
		row["outputTokenLimit"] = v.Int()
	}
	if methods := item.Get("supportedGenerationMethods"); methods.IsArray() {
		var arr []string
		methods.ForEach(func(_, m gjson.Result) bool {
			if m.Type == gjson.String {
				arr = append(arr, m.String())
			}
			return true
		})
		if len(arr) > 0 {
			row["supportedGenerationMethods"] = arr
		}
	}
	encoded, err := json.Marshal(row)
	if err != nil {
		return json.RawMessage(item.Raw)
	}
	return encoded
}

// cutLast is strings.Cut anchored at the last occurrence of sep.
func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
