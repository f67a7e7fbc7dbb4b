package translate

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// countCodec resolves the codec that parses a dialect's token counting
// body. The OpenAI counting surface is responses-shaped.
func countCodec(p protocol.Proto) (Codec, error) {
	if p == protocol.ProtoOpenAI || p == protocol.ProtoOpenAIChat {
		p = protocol.ProtoOpenAIResponse
	}
	return ForProto(p)
}

// CountRequest converts a token counting body between dialects. Counting
// bodies are generate bodies stripped of generation parameters, so the
// conversion crosses the neutral request form and drops what the target's
// counting endpoint rejects. The Gemini shape is the generateContentRequest
// envelope, which every Gemini channel accepts.
func CountRequest(from, to protocol.Proto, model string, body []byte) ([]byte, error) {
	if from == protocol.ProtoGemini {
		if inner := gjson.GetBytes(body, "generateContentRequest"); inner.IsObject() {
			body = []byte(inner.Raw)
		}
	}
	src, err := countCodec(from)
	if err != nil {
		return nil, err
	}
	req, err := src.ParseRequest(body)
	if err != nil {
		return nil, err
	}
	req.Model = model
	req.Stream = false

	dst, err := countCodec(to)
	if err != nil {
		return nil, err
	}
	out, err := dst.BuildRequest(req)
	if err != nil {
		return nil, err
	}
	switch to {
	case protocol.ProtoClaude:
		return deleteFields(out, "max_tokens", "stream")
	case protocol.ProtoGemini:
		out, err = sjson.SetBytes(out, "model", "models/"+model)
		if err != nil {
			return nil, fmt.Errorf("translate: build gemini count request: %w", err)
		}
		return sjson.SetRawBytes([]byte(`{}`), "generateContentRequest", out)
	default:
		return deleteFields(out, "max_output_tokens", "temperature", "top_p", "stream")
	}
}

// CountResponse converts a token count between dialects. Only the prompt
// token counter survives the crossing; each dialect reports it under its own
// key and envelope.
func CountResponse(from, to protocol.Proto, body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("translate: count response is not JSON")
	}
	var n int64
	switch from {
	case protocol.ProtoGemini:
		n = gjson.GetBytes(body, "totalTokens").Int()
	default:
		n = gjson.GetBytes(body, "input_tokens").Int()
	}
	var out any
	switch to {
	case protocol.ProtoClaude:
		out = map[string]any{
			"context_management": map[string]any{"original_input_tokens": n},
			"input_tokens":       n,
		}
	case protocol.ProtoGemini:
		out = map[string]any{"totalTokens": n}
	default:
		out = map[string]any{"object": "response.input_tokens", "input_tokens": n}
	}
	data, err := sonic.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build count response: %w", err)
	}
	return data, nil
}

func deleteFields(body []byte, fields ...string) ([]byte, error) {
	var err error
	for _, f := range fields {
		body, err = sjson.DeleteBytes(body, f)
		if err != nil {
			return nil, fmt.Errorf("translate: strip %s: %w", f, err)
		}
	}
	return body, nil
}
