package gemini

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const vertexExpressBase = "https://aiplatform.googleapis.com"

// VertexExpress implements the vertexexpress kind: Vertex AI addressed by an
// express-mode API key in the query string instead of a service account.
type VertexExpress struct{}

func NewVertexExpress() *VertexExpress { return &VertexExpress{} }

func (p *VertexExpress) Kind() models.ProviderKind { return models.ProviderKindVertexExpress }

func (p *VertexExpress) Dispatch(_ *provider.ChannelSettings) protocol.DispatchTable {
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

		protocol.OpOpenAIChatGenerate:           protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIChatGenerateStream:     protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIResponseGenerate:       protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIResponseGenerateStream: protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIInputTokens:            protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIModelsList:             protocol.Transform(protocol.ProtoGemini),
		protocol.OpOpenAIModelsGet:              protocol.Transform(protocol.ProtoGemini),
	}
}

// LocalResponse serves the model catalog from the embedded table; express
// mode has no listing endpoint.
func (p *VertexExpress) LocalResponse(call *provider.Call) (*provider.Response, bool, error) {
	switch call.Op {
	case protocol.OpGeminiModelsList:
		return catalogResponse(), true, nil
	case protocol.OpGeminiModelsGet:
		if raw, ok := modelByName(normalizeVertexModelID, call.Model); ok {
			return provider.JSONResponse(http.StatusOK, raw), true, nil
		}
		return modelNotFoundResponse(), true, nil
	}
	return nil, false, nil
}

func (p *VertexExpress) BuildRequest(call *provider.Call) (*provider.Request, error) {
	key, ok := call.Secret.APIKeyValue()
	if !ok || key == "" {
		return nil, fmt.Errorf("vertexexpress: credential carries no api key")
	}
	base := provider.ResolveBase(call.Settings, vertexExpressBase)
	model := stripModelsPrefix(call.Model)

	var path string
	var body []byte
	switch call.Op {
	case protocol.OpGeminiGenerate, protocol.OpGeminiGenerateStream:
		action := "generateContent"
		if call.Op == protocol.OpGeminiGenerateStream {
			action = "streamGenerateContent"
		}
		path = "/v1beta1/publishers/google/models/" + model + ":" + action
		body = RewriteVertexBodyModel(call.Body, model)
	case protocol.OpGeminiCountTokens:
		path = "/v1beta1/publishers/google/models/" + model + ":countTokens"
		body = VertexCountTokensBody(model, call.Body)
	default:
		return nil, fmt.Errorf("vertexexpress: operation %s cannot be rendered", call.Op)
	}

	u := provider.WithQuery(provider.JoinURL(base, path), call.Query)
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	u += sep + "key=" + url.QueryEscape(key)

	req := provider.NewRequest(http.MethodPost, u, call)
	req.Body = body
	return req, nil
}

// RewriteVertexBodyModel rewrites a model field inside the payload to the
// publisher resource form Vertex expects.
func RewriteVertexBodyModel(body []byte, pathModel string) []byte {
	m := gjson.GetBytes(body, "model")
	if m.Type != gjson.String {
		return body
	}
	out, err := sjson.SetBytes(body, "model", VertexModelRef(m.String(), pathModel))
	if err != nil {
		return body
	}
	return out
}

// VertexCountTokensBody rebuilds a countTokens payload around the publisher
// model reference. The downstream body carries either contents directly or a
// generateContentRequest wrapper.
func VertexCountTokensBody(pathModel string, body []byte) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "model", "publishers/google/models/"+pathModel)

	if contents := gjson.GetBytes(body, "contents"); contents.Exists() {
		out, _ = sjson.SetRawBytes(out, "contents", []byte(contents.Raw))
	}
	gen := gjson.GetBytes(body, "generateContentRequest")
	if !gen.IsObject() {
		return out
	}
	if !gjson.GetBytes(out, "contents").Exists() {
		if v := gen.Get("contents"); v.Exists() {
			out, _ = sjson.SetRawBytes(out, "contents", []byte(v.Raw))
		}
	}
	if v := gen.Get("instances"); v.Exists() {
		out, _ = sjson.SetRawBytes(out, "instances", []byte(v.Raw))
	}
	if v := gen.Get("tools"); v.Exists() {
		out, _ = sjson.SetRawBytes(out, "tools", []byte(v.Raw))
	}
	if v := gen.Get("systemInstruction"); v.Exists() {
		out, _ = sjson.SetRawBytes(out, "systemInstruction", []byte(v.Raw))
	} else if v := gen.Get("system_instruction"); v.Exists() {
		out, _ = sjson.SetRawBytes(out, "systemInstruction", []byte(v.Raw))
	}
	if v := gen.Get("generationConfig"); v.Exists() {
		out, _ = sjson.SetRawBytes(out, "generationConfig", []byte(v.Raw))
	} else if v := gen.Get("generation_config"); v.Exists() {
		out, _ = sjson.SetRawBytes(out, "generationConfig", []byte(v.Raw))
	}
	if v := gen.Get("model"); v.Type == gjson.String {
		out, _ = sjson.SetBytes(out, "model", VertexModelRef(v.String(), pathModel))
	}
	return out
}

// VertexModelRef maps the model forms clients send to the
// publishers/{publisher}/models/{id} resource Vertex wants.
func VertexModelRef(model, fallback string) string {
	m := strings.TrimPrefix(strings.TrimSpace(model), "/")
	if m == "" {
		return "publishers/google/models/" + fallback
	}
	if strings.HasPrefix(m, "publishers/") && strings.Contains(m, "/models/") {
		return m
	}
	if id, ok := strings.CutPrefix(m, "models/"); ok {
		return "publishers/google/models/" + id
	}
	if publisher, id, ok := strings.Cut(m, "/"); ok && publisher != "" && id != "" {
		return "publishers/" + publisher + "/models/" + id
	}
	return "publishers/google/models/" + m
}

// normalizeVertexModelID strips the publisher prefix so catalog names and
// request names compare equal.
func normalizeVertexModelID(model string) string {
	model = strings.TrimPrefix(model, "/")
	return strings.TrimPrefix(model, "publishers/google/")
}
