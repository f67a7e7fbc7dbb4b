package translate

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

func codec(t *testing.T, p protocol.Proto) Codec {
	t.Helper()
	c, err := ForProto(p)
	if err != nil {
		t.Fatalf("codec %s: %v", p, err)
	}
	return c
}

func TestClaudeToChatRequest(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 1024,
		"system": "be brief",
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "hi"},
				{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "SF"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "sunny"}
			]}
		],
		"tools": [{"name": "get_weather", "description": "weather lookup", "input_schema": {"type": "object"}}],
		"tool_choice": {"type": "tool", "name": "get_weather"},
		"temperature": 0.5,
		"stop_sequences": ["END"],
		"stream": true
	}`
	req, err := codec(t, protocol.ProtoClaude).ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req.Model = "gpt-4o"
	out, err := codec(t, protocol.ProtoOpenAIChat).BuildRequest(req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	checks := []struct {
		path string
		want string
	}{
		{"model", "gpt-4o"},
		{"messages.0.role", "system"},
		{"messages.0.content", "be brief"},
		{"messages.1.role", "user"},
		{"messages.1.content", "hello"},
		{"messages.2.role", "assistant"},
		{"messages.2.content", "hi"},
		{"messages.2.tool_calls.0.id", "tu_1"},
		{"messages.2.tool_calls.0.function.name", "get_weather"},
		{"messages.3.role", "tool"},
		{"messages.3.tool_call_id", "tu_1"},
		{"messages.3.content", "sunny"},
		{"tools.0.function.name", "get_weather"},
		{"tool_choice.function.name", "get_weather"},
		{"stop.0", "END"},
	}
	for _, c := range checks {
		if got := gjson.GetBytes(out, c.path).String(); got != c.want {
			t.Fatalf("%s = %q, want %q", c.path, got, c.want)
		}
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 1024 {
		t.Fatalf("max_tokens = %d", got)
	}
	if !gjson.GetBytes(out, "stream").Bool() || !gjson.GetBytes(out, "stream_options.include_usage").Bool() {
		t.Fatalf("streaming flags missing: %s", out)
	}
	if args := gjson.GetBytes(out, "messages.2.tool_calls.0.function.arguments").String(); gjson.Get(args, "city").String() != "SF" {
		t.Fatalf("tool arguments = %q", args)
	}
}

func TestChatToClaudeRequestDefaults(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "rules"},
			{"role": "user", "content": "ping"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "42"}
		]
	}`
	req, err := codec(t, protocol.ProtoOpenAIChat).ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req.Model = "claude-sonnet-4-5"
	out, err := codec(t, protocol.ProtoClaude).BuildRequest(req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 4096 {
		t.Fatalf("max_tokens default = %d", got)
	}
	if got := gjson.GetBytes(out, "system").String(); got != "rules" {
		t.Fatalf("system = %q", got)
	}
	if got := gjson.GetBytes(out, "messages.0.content.0.text").String(); got != "ping" {
		t.Fatalf("first turn = %q", got)
	}
	if got := gjson.GetBytes(out, "messages.1.content.0.type").String(); got != "tool_use" {
		t.Fatalf("assistant block = %q", got)
	}
	// Tool results travel as user turns in the messages dialect.
	if got := gjson.GetBytes(out, "messages.2.role").String(); got != "user" {
		t.Fatalf("result role = %q", got)
	}
	if got := gjson.GetBytes(out, "messages.2.content.0.tool_use_id").String(); got != "call_1" {
		t.Fatalf("result correlation = %q", got)
	}
	if gjson.GetBytes(out, "stream").Exists() {
		t.Fatalf("stream should be omitted: %s", out)
	}
}

func TestGeminiToClaudeRequest(t *testing.T) {
	body := `{
		"systemInstruction": {"parts": [{"text": "sys a"}, {"text": "sys b"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "what weather"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "get_weather", "args": {"city": "Paris"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "get_weather", "response": {"result": "rain"}}}]}
		],
		"generationConfig": {"maxOutputTokens": 256, "temperature": 0.7, "stopSequences": ["STOP"]}
	}`
	req, err := codec(t, protocol.ProtoGemini).ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req.Model = "claude-sonnet-4-5"
	out, err := codec(t, protocol.ProtoClaude).BuildRequest(req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := gjson.GetBytes(out, "system").String(); got != "sys a\nsys b" {
		t.Fatalf("system = %q", got)
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 256 {
		t.Fatalf("max_tokens = %d", got)
	}
	if got := gjson.GetBytes(out, "messages.1.content.0.name").String(); got != "get_weather" {
		t.Fatalf("tool name = %q", got)
	}
	// The dialect has no call ids; the function name stands in.
	if got := gjson.GetBytes(out, "messages.2.content.0.tool_use_id").String(); got != "get_weather" {
		t.Fatalf("result correlation = %q", got)
	}
	if got := gjson.GetBytes(out, "messages.2.content.0.content.result").String(); got != "rain" {
		t.Fatalf("result payload = %q", got)
	}
	if got := gjson.GetBytes(out, "stop_sequences.0").String(); got != "STOP" {
		t.Fatalf("stop_sequences = %q", got)
	}
}

func TestChatResponseToClaude(t *testing.T) {
	body := `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 123, "model": "gpt-4o",
		"choices": [{"index": 0, "message": {
			"role": "assistant",
			"content": "the answer",
			"tool_calls": [{"id": "call_9", "type": "function", "function": {"name": "fetch", "arguments": "{\"u\":\"x\"}"}}]
		}, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15, "prompt_tokens_details": {"cached_tokens": 2}}
	}`
	resp, err := codec(t, protocol.ProtoOpenAIChat).ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := codec(t, protocol.ProtoClaude).BuildResponse(resp)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	checks := []struct {
		path string
		want string
	}{
		{"id", "chatcmpl-1"},
		{"type", "message"},
		{"role", "assistant"},
		{"model", "gpt-4o"},
		{"content.0.type", "text"},
		{"content.0.text", "the answer"},
		{"content.1.type", "tool_use"},
		{"content.1.id", "call_9"},
		{"content.1.name", "fetch"},
		{"stop_reason", "tool_use"},
	}
	for _, c := range checks {
		if got := gjson.GetBytes(out, c.path).String(); got != c.want {
			t.Fatalf("%s = %q, want %q", c.path, got, c.want)
		}
	}
	if got := gjson.GetBytes(out, "usage.input_tokens").Int(); got != 10 {
		t.Fatalf("usage input = %d", got)
	}
	if got := gjson.GetBytes(out, "usage.cache_read_input_tokens").Int(); got != 2 {
		t.Fatalf("usage cache = %d", got)
	}
}

func TestClaudeResponseToGemini(t *testing.T) {
	body := `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
		"content": [{"type": "thinking", "thinking": "hmm"}, {"type": "text", "text": "done"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 4, "output_tokens": 6}
	}`
	resp, err := codec(t, protocol.ProtoClaude).ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := codec(t, protocol.ProtoGemini).BuildResponse(resp)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := gjson.GetBytes(out, "candidates.0.content.parts.0.text").String(); got != "hmm" {
		t.Fatalf("thinking part = %q", got)
	}
	if !gjson.GetBytes(out, "candidates.0.content.parts.0.thought").Bool() {
		t.Fatalf("thought flag missing: %s", out)
	}
	if got := gjson.GetBytes(out, "candidates.0.content.parts.1.text").String(); got != "done" {
		t.Fatalf("text part = %q", got)
	}
	if got := gjson.GetBytes(out, "candidates.0.finishReason").String(); got != "STOP" {
		t.Fatalf("finishReason = %q", got)
	}
	if got := gjson.GetBytes(out, "usageMetadata.totalTokenCount").Int(); got != 10 {
		t.Fatalf("totalTokenCount = %d", got)
	}
	if got := gjson.GetBytes(out, "responseId").String(); got != "msg_1" {
		t.Fatalf("responseId = %q", got)
	}
}

// pipe feeds upstream chunks through a parser into a builder and collects
// the downstream frames, finishing the parser at the end.
func pipe(t *testing.T, parser StreamParser, builder StreamBuilder, chunks []string) []Frame {
	t.Helper()
	var frames []Frame
	emit := func(evs []StreamEvent) {
		for _, ev := range evs {
			out, err := builder.Build(ev)
			if err != nil {
				t.Fatalf("build event %s: %v", ev.Type, err)
			}
			frames = append(frames, out...)
		}
	}
	for _, chunk := range chunks {
		evs, err := parser.Parse("", []byte(chunk))
		if err != nil {
			t.Fatalf("parse chunk %q: %v", chunk, err)
		}
		emit(evs)
	}
	evs, err := parser.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	emit(evs)
	return frames
}

func TestClaudeStreamToChatChunks(t *testing.T) {
	chunks := []string{
		`{"type":"message_start","message":{"id":"msg_s","model":"claude-sonnet-4-5","usage":{"input_tokens":9}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_9","name":"sum"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"1}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	}
	parser := codec(t, protocol.ProtoClaude).NewStreamParser()
	builder := codec(t, protocol.ProtoOpenAIChat).NewStreamBuilder()
	frames := pipe(t, parser, builder, chunks)

	if len(frames) != 8 {
		t.Fatalf("frames = %d, want 8", len(frames))
	}
	if got := gjson.GetBytes(frames[0].Data, "choices.0.delta.role").String(); got != "assistant" {
		t.Fatalf("role chunk = %s", frames[0].Data)
	}
	if got := gjson.GetBytes(frames[1].Data, "choices.0.delta.content").String(); got != "Hel" {
		t.Fatalf("first delta = %s", frames[1].Data)
	}
	tool := frames[3].Data
	if gjson.GetBytes(tool, "choices.0.delta.tool_calls.0.id").String() != "tu_9" ||
		gjson.GetBytes(tool, "choices.0.delta.tool_calls.0.function.name").String() != "sum" {
		t.Fatalf("tool chunk = %s", tool)
	}
	if got := gjson.GetBytes(frames[4].Data, "choices.0.delta.tool_calls.0.function.arguments").String(); got != `{"a":` {
		t.Fatalf("args delta = %s", frames[4].Data)
	}
	if got := gjson.GetBytes(frames[6].Data, "choices.0.finish_reason").String(); got != "tool_calls" {
		t.Fatalf("finish chunk = %s", frames[6].Data)
	}
	usage := frames[7].Data
	if gjson.GetBytes(usage, "choices.#").Int() != 0 ||
		gjson.GetBytes(usage, "usage.completion_tokens").Int() != 12 {
		t.Fatalf("usage chunk = %s", usage)
	}
	for _, f := range frames {
		if gjson.GetBytes(f.Data, "model").String() != "claude-sonnet-4-5" {
			t.Fatalf("chunk lost model: %s", f.Data)
		}
	}
}

func TestChatStreamToClaudeFrames(t *testing.T) {
	chunks := []string{
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":null}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_2","type":"function","function":{"name":"go","arguments":""}}]},"finish_reason":null}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]},"finish_reason":null}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`,
	}
	parser := codec(t, protocol.ProtoOpenAIChat).NewStreamParser()
	builder := codec(t, protocol.ProtoClaude).NewStreamBuilder()
	frames := pipe(t, parser, builder, chunks)

	wantNames := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(frames) != len(wantNames) {
		t.Fatalf("frames = %d, want %d", len(frames), len(wantNames))
	}
	for i, name := range wantNames {
		if frames[i].Name != name {
			t.Fatalf("frame %d = %s, want %s", i, frames[i].Name, name)
		}
	}
	toolStart := frames[5].Data
	if gjson.GetBytes(toolStart, "content_block.id").String() != "call_2" ||
		gjson.GetBytes(toolStart, "content_block.name").String() != "go" {
		t.Fatalf("tool block start = %s", toolStart)
	}
	if got := gjson.GetBytes(frames[6].Data, "delta.partial_json").String(); got != "{}" {
		t.Fatalf("args frame = %s", frames[6].Data)
	}
	finish := frames[8].Data
	if gjson.GetBytes(finish, "delta.stop_reason").String() != "tool_use" {
		t.Fatalf("stop_reason = %s", finish)
	}
	// The usage-only trailer chunk must survive into the message delta.
	if gjson.GetBytes(finish, "usage.output_tokens").Int() != 4 {
		t.Fatalf("usage = %s", finish)
	}
}

func TestGeminiStreamInfersBlockBoundaries(t *testing.T) {
	parser := codec(t, protocol.ProtoGemini).NewStreamParser()
	var events []StreamEvent
	chunks := []string{
		`{"responseId":"r1","modelVersion":"gemini-2.5-pro","candidates":[{"index":0,"content":{"role":"model","parts":[{"text":"thinking...","thought":true}]}}]}`,
		`{"candidates":[{"index":0,"content":{"role":"model","parts":[{"text":"answer"}]}}]}`,
		`{"candidates":[{"index":0,"content":{"role":"model","parts":[{"functionCall":{"name":"calc","args":{"n":5}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":3,"totalTokenCount":5}}`,
	}
	for _, chunk := range chunks {
		evs, err := parser.Parse("", []byte(chunk))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		events = append(events, evs...)
	}
	evs, err := parser.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	events = append(events, evs...)

	want := []StreamEventType{
		EventStart,
		EventBlockStart, EventThinking, // thought text opens a thinking block
		EventBlockStop, EventBlockStart, EventTextDelta, // kind change closes it
		EventBlockStop, EventBlockStart, EventArgsDelta, EventBlockStop, // whole function call
		EventFinish,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, et := range want {
		if events[i].Type != et {
			t.Fatalf("event %d = %s, want %s", i, events[i].Type, et)
		}
	}
	fin := events[len(events)-1]
	if fin.StopReason != StopToolUse {
		t.Fatalf("stop = %q", fin.StopReason)
	}
	if fin.Usage == nil || *fin.Usage.InputTokens != 2 || *fin.Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", fin.Usage)
	}
}
