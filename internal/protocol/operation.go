package protocol

// Operation identifies one entry of the fixed dispatch table. The numeric
// values are table indices and must not be reordered.
type Operation int

const (
	OpClaudeGenerate Operation = iota
	OpClaudeGenerateStream
	OpClaudeCountTokens
	OpClaudeModelsList
	OpClaudeModelsGet
	OpGeminiGenerate
	OpGeminiGenerateStream
	OpGeminiCountTokens
	OpGeminiModelsList
	OpGeminiModelsGet
	OpOpenAIChatGenerate
	OpOpenAIChatGenerateStream
	OpOpenAIResponseGenerate
	OpOpenAIResponseGenerateStream
	OpOpenAIInputTokens
	OpOpenAIModelsList
	OpOpenAIModelsGet
	OpOAuthStart
	OpOAuthCallback
	OpUsage
)

// OperationCount is the size of a dispatch table.
const OperationCount = 20

var operationNames = [OperationCount]string{
	"claude.generate",
	"claude.generate_stream",
	"claude.count_tokens",
	"claude.models_list",
	"claude.models_get",
	"gemini.generate",
	"gemini.generate_stream",
	"gemini.count_tokens",
	"gemini.models_list",
	"gemini.models_get",
	"openai_chat.generate",
	"openai_chat.generate_stream",
	"openai_response.generate",
	"openai_response.generate_stream",
	"openai.input_tokens",
	"openai.models_list",
	"openai.models_get",
	"oauth.start",
	"oauth.callback",
	"usage",
}

func (o Operation) Valid() bool {
	return o >= 0 && int(o) < OperationCount
}

func (o Operation) String() string {
	if !o.Valid() {
		return "unknown"
	}
	return operationNames[o]
}

// IsGenerate reports whether the operation produces model output.
func (o Operation) IsGenerate() bool {
	switch o {
	case OpClaudeGenerate, OpClaudeGenerateStream,
		OpGeminiGenerate, OpGeminiGenerateStream,
		OpOpenAIChatGenerate, OpOpenAIChatGenerateStream,
		OpOpenAIResponseGenerate, OpOpenAIResponseGenerateStream:
		return true
	}
	return false
}

// IsStream reports whether the downstream expects an event stream.
func (o Operation) IsStream() bool {
	switch o {
	case OpClaudeGenerateStream, OpGeminiGenerateStream,
		OpOpenAIChatGenerateStream, OpOpenAIResponseGenerateStream:
		return true
	}
	return false
}

// StreamVariant returns the streaming counterpart of a generate operation.
func (o Operation) StreamVariant() (Operation, bool) {
	switch o {
	case OpClaudeGenerate:
		return OpClaudeGenerateStream, true
	case OpGeminiGenerate:
		return OpGeminiGenerateStream, true
	case OpOpenAIChatGenerate:
		return OpOpenAIChatGenerateStream, true
	case OpOpenAIResponseGenerate:
		return OpOpenAIResponseGenerateStream, true
	}
	return o, false
}

// NonStreamVariant returns the non-streaming counterpart of a stream operation.
func (o Operation) NonStreamVariant() (Operation, bool) {
	switch o {
	case OpClaudeGenerateStream:
		return OpClaudeGenerate, true
	case OpGeminiGenerateStream:
		return OpGeminiGenerate, true
	case OpOpenAIChatGenerateStream:
		return OpOpenAIChatGenerate, true
	case OpOpenAIResponseGenerateStream:
		return OpOpenAIResponseGenerate, true
	}
	return o, false
}

// Proto returns the wire dialect the downstream used for this operation.
// OAuth and usage operations have no dialect.
func (o Operation) Proto() (Proto, bool) {
	switch o {
	case OpClaudeGenerate, OpClaudeGenerateStream, OpClaudeCountTokens, OpClaudeModelsList, OpClaudeModelsGet:
		return ProtoClaude, true
	case OpGeminiGenerate, OpGeminiGenerateStream, OpGeminiCountTokens, OpGeminiModelsList, OpGeminiModelsGet:
		return ProtoGemini, true
	case OpOpenAIChatGenerate, OpOpenAIChatGenerateStream:
		return ProtoOpenAIChat, true
	case OpOpenAIResponseGenerate, OpOpenAIResponseGenerateStream:
		return ProtoOpenAIResponse, true
	case OpOpenAIInputTokens, OpOpenAIModelsList, OpOpenAIModelsGet:
		return ProtoOpenAI, true
	}
	return ProtoClaude, false
}

// GenerateOp maps a dialect and stream flag to its generate operation.
func GenerateOp(p Proto, stream bool) (Operation, bool) {
	switch p {
	case ProtoClaude:
		if stream {
			return OpClaudeGenerateStream, true
		}
		return OpClaudeGenerate, true
	case ProtoGemini:
		if stream {
			return OpGeminiGenerateStream, true
		}
		return OpGeminiGenerate, true
	case ProtoOpenAIChat:
		if stream {
			return OpOpenAIChatGenerateStream, true
		}
		return OpOpenAIChatGenerate, true
	case ProtoOpenAIResponse:
		if stream {
			return OpOpenAIResponseGenerateStream, true
		}
		return OpOpenAIResponseGenerate, true
	}
	return OpClaudeGenerate, false
}

// CountTokensOp maps a dialect to its token counting operation.
func CountTokensOp(p Proto) (Operation, bool) {
	switch p {
	case ProtoClaude:
		return OpClaudeCountTokens, true
	case ProtoGemini:
		return OpGeminiCountTokens, true
	case ProtoOpenAI, ProtoOpenAIChat, ProtoOpenAIResponse:
		return OpOpenAIInputTokens, true
	}
	return OpClaudeCountTokens, false
}

// ModelsListOp maps a dialect to its model listing operation.
func ModelsListOp(p Proto) (Operation, bool) {
	switch p {
	case ProtoClaude:
		return OpClaudeModelsList, true
	case ProtoGemini:
		return OpGeminiModelsList, true
	case ProtoOpenAI, ProtoOpenAIChat, ProtoOpenAIResponse:
		return OpOpenAIModelsList, true
	}
	return OpClaudeModelsList, false
}

// ModelsGetOp maps a dialect to its model lookup operation.
func ModelsGetOp(p Proto) (Operation, bool) {
	switch p {
	case ProtoClaude:
		return OpClaudeModelsGet, true
	case ProtoGemini:
		return OpGeminiModelsGet, true
	case ProtoOpenAI, ProtoOpenAIChat, ProtoOpenAIResponse:
		return OpOpenAIModelsGet, true
	}
	return OpClaudeModelsGet, false
}
