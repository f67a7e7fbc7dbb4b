package protocol

import "fmt"

// Proto is a wire dialect spoken on either side of the gateway. ProtoOpenAI
// covers the model listing and input token surfaces shared by the two OpenAI
// generation dialects.
type Proto string

const (
	ProtoClaude         Proto = "claude"
	ProtoOpenAI         Proto = "openai"
	ProtoOpenAIChat     Proto = "openai_chat"
	ProtoOpenAIResponse Proto = "openai_response"
	ProtoGemini         Proto = "gemini"
)

func ParseProto(s string) (Proto, error) {
	switch Proto(s) {
	case ProtoClaude, ProtoOpenAI, ProtoOpenAIChat, ProtoOpenAIResponse, ProtoGemini:
		return Proto(s), nil
	}
	return "", fmt.Errorf("protocol: unknown proto %q", s)
}

// StreamFormat is the framing a dialect uses for streamed responses.
type StreamFormat int

const (
	// StreamNone marks dialects without a streaming surface.
	StreamNone StreamFormat = iota
	// StreamSSENamed frames SSE with event: and data: lines.
	StreamSSENamed
	// StreamSSEDataOnly frames SSE with data: lines and a [DONE] terminator.
	StreamSSEDataOnly
	// StreamJSONArray frames responses as a streamed JSON array.
	StreamJSONArray
)

func (p Proto) StreamFormat() StreamFormat {
	switch p {
	case ProtoClaude, ProtoOpenAIResponse:
		return StreamSSENamed
	case ProtoOpenAIChat:
		return StreamSSEDataOnly
	case ProtoGemini:
		return StreamJSONArray
	}
	return StreamNone
}
