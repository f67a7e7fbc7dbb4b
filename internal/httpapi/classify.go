package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/auth"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// classified is the route classifier's verdict: the downstream operation
// plus the model reference as the caller wrote it. On aggregate surfaces
// the model still carries its provider prefix at this point.
type classified struct {
	op      protocol.Operation
	model   string
	compact bool
}

// classifyFunc turns one matched route into an operation. The body is the
// already-buffered request payload; the key source feeds the shared models
// surface disambiguation.
type classifyFunc func(c *gin.Context, body []byte, src auth.KeySource) (classified, error)

// bodyModel reads the model reference out of a JSON request body.
func bodyModel(body []byte) string {
	return strings.TrimSpace(gjson.GetBytes(body, "model").String())
}

// bodyStream reports whether the body asked for a streamed response.
func bodyStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func classifyClaudeMessages(_ *gin.Context, body []byte, _ auth.KeySource) (classified, error) {
	op := protocol.OpClaudeGenerate
	if bodyStream(body) {
		op = protocol.OpClaudeGenerateStream
	}
	return classified{op: op, model: bodyModel(body)}, nil
}

func classifyClaudeCountTokens(_ *gin.Context, body []byte, _ auth.KeySource) (classified, error) {
	return classified{op: protocol.OpClaudeCountTokens, model: bodyModel(body)}, nil
}

func classifyChatCompletions(_ *gin.Context, body []byte, _ auth.KeySource) (classified, error) {
	op := protocol.OpOpenAIChatGenerate
	if bodyStream(body) {
		op = protocol.OpOpenAIChatGenerateStream
	}
	return classified{op: op, model: bodyModel(body)}, nil
}

func classifyResponses(_ *gin.Context, body []byte, _ auth.KeySource) (classified, error) {
	op := protocol.OpOpenAIResponseGenerate
	if bodyStream(body) {
		op = protocol.OpOpenAIResponseGenerateStream
	}
	return classified{op: op, model: bodyModel(body)}, nil
}

// classifyResponsesCompact is the Codex-only compaction surface. It is
// always unary; the engine rejects non-codex providers.
func classifyResponsesCompact(_ *gin.Context, body []byte, _ auth.KeySource) (classified, error) {
	return classified{op: protocol.OpOpenAIResponseGenerate, model: bodyModel(body), compact: true}, nil
}

func classifyInputTokens(_ *gin.Context, body []byte, _ auth.KeySource) (classified, error) {
	return classified{op: protocol.OpOpenAIInputTokens, model: bodyModel(body)}, nil
}

// sharedModelsProto picks the dialect of the shared /v1/models surface: an
// anthropic-version header means Claude, a Google-style key means Gemini,
// anything else OpenAI.
func sharedModelsProto(c *gin.Context, src auth.KeySource) protocol.Proto {
	if strings.TrimSpace(c.GetHeader("anthropic-version")) != "" {
		return protocol.ProtoClaude
	}
	if src == auth.SourceGoogAPIKey || src == auth.SourceQuery {
		return protocol.ProtoGemini
	}
	return protocol.ProtoOpenAI
}

func classifySharedModelsList(c *gin.Context, _ []byte, src auth.KeySource) (classified, error) {
	op, _ := protocol.ModelsListOp(sharedModelsProto(c, src))
	return classified{op: op}, nil
}

func classifySharedModelsGet(c *gin.Context, _ []byte, src auth.KeySource) (classified, error) {
	op, _ := protocol.ModelsGetOp(sharedModelsProto(c, src))
	return classified{op: op, model: wildcardModel(c)}, nil
}

func classifyGeminiModelsList(_ *gin.Context, _ []byte, _ auth.KeySource) (classified, error) {
	return classified{op: protocol.OpGeminiModelsList}, nil
}

func classifyGeminiModelsGet(c *gin.Context, _ []byte, _ auth.KeySource) (classified, error) {
	return classified{op: protocol.OpGeminiModelsGet, model: wildcardModel(c)}, nil
}

// classifyGeminiAction splits the "model:action" path segment on its last
// colon and maps the action verb. Unknown verbs are a routing miss, not a
// dispatch failure.
func classifyGeminiAction(c *gin.Context, _ []byte, _ auth.KeySource) (classified, error) {
	seg := wildcardModel(c)
	model, action, ok := protocol.SplitGeminiAction(seg)
	if !ok {
		return classified{}, protocol.NewStatusError(http.StatusNotFound, protocol.KindUnknownGeminiAction,
			"missing action verb in "+seg)
	}
	switch action {
	case "generateContent":
		return classified{op: protocol.OpGeminiGenerate, model: model}, nil
	case "streamGenerateContent":
		return classified{op: protocol.OpGeminiGenerateStream, model: model}, nil
	case "countTokens":
		return classified{op: protocol.OpGeminiCountTokens, model: model}, nil
	}
	return classified{}, protocol.NewStatusError(http.StatusNotFound, protocol.KindUnknownGeminiAction,
		"unknown action "+action)
}

// wildcardModel trims the slash gin keeps on catch-all parameters.
func wildcardModel(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("model"), "/")
}
