package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// openaiChatCodec speaks the OpenAI chat completions dialect.
type openaiChatCodec struct{}

func (openaiChatCodec) Proto() protocol.Proto { return protocol.ProtoOpenAIChat }

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	Tools               []chatTool      `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens           int64           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int64           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64 `json:"completion_tokens,omitempty"`
	TotalTokens      *int64 `json:"total_tokens,omitempty"`
	PromptDetails    *struct {
		CachedTokens *int64 `json:"cached_tokens,omitempty"`
	} `json:"prompt_tokens_details,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

func (openaiChatCodec) ParseRequest(body []byte) (*Request, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse chat request: %w", err)
	}
	out := &Request{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if in.MaxCompletionTokens > 0 {
		out.MaxTokens = in.MaxCompletionTokens
	}
	out.StopSequences = parseChatStop(in.Stop)
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			text := textFromRaw(m.Content)
			if out.System != "" {
				out.System += "\n"
			}
			out.System += text
		case "tool", "function":
			out.Messages = append(out.Messages, Message{
				Role: RoleTool,
				Blocks: []Block{{
					Type:       BlockToolResult,
					ToolID:     m.ToolCallID,
					ToolResult: m.Content,
				}},
			})
		case "assistant":
			msg := Message{Role: RoleAssistant}
			if m.ReasoningContent != "" {
				msg.Blocks = append(msg.Blocks, Block{Type: BlockThinking, Text: m.ReasoningContent})
			}
			if text := textFromRaw(m.Content); text != "" {
				msg.Blocks = append(msg.Blocks, Block{Type: BlockText, Text: text})
			}
			for _, tc := range m.ToolCalls {
				msg.Blocks = append(msg.Blocks, Block{
					Type:      BlockToolUse,
					ToolID:    tc.ID,
					ToolName:  tc.Function.Name,
					ToolInput: argsToRaw(tc.Function.Arguments),
				})
			}
			out.Messages = append(out.Messages, msg)
		default:
			if text := textFromRaw(m.Content); text != "" {
				out.Messages = append(out.Messages, Message{
					Role:   RoleUser,
					Blocks: []Block{{Type: BlockText, Text: text}},
				})
			}
		}
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	tc, err := parseChatToolChoice(in.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = tc
	return out, nil
}

func parseChatStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func parseChatToolChoice(raw json.RawMessage) (*ToolChoice, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "none":
			return &ToolChoice{Mode: ToolChoiceNone}, nil
		case "required":
			return &ToolChoice{Mode: ToolChoiceAny}, nil
		case "auto":
			return &ToolChoice{Mode: ToolChoiceAuto}, nil
		}
		return nil, nil
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, fmt.Errorf("translate: parse chat tool_choice: %w", err)
	}
	if named.Function.Name != "" {
		return &ToolChoice{Mode: ToolChoiceTool, Name: named.Function.Name}, nil
	}
	return nil, nil
}

func (openaiChatCodec) BuildRequest(req *Request) ([]byte, error) {
	out := chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.Stream {
		out.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	if len(req.StopSequences) > 0 {
		stop, err := json.Marshal(req.StopSequences)
		if err != nil {
			return nil, fmt.Errorf("translate: build chat stop: %w", err)
		}
		out.Stop = stop
	}
	if req.System != "" {
		content, _ := json.Marshal(req.System)
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: content})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, buildChatMessages(m)...)
	}
	for _, t := range req.Tools {
		ct := chatTool{Type: "function"}
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ct)
	}
	if req.ToolChoice != nil {
		var choice any
		switch req.ToolChoice.Mode {
		case ToolChoiceNone:
			choice = "none"
		case ToolChoiceAny:
			choice = "required"
		case ToolChoiceTool:
			choice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.Name},
			}
		default:
			choice = "auto"
		}
		raw, err := json.Marshal(choice)
		if err != nil {
			return nil, fmt.Errorf("translate: build chat tool_choice: %w", err)
		}
		out.ToolChoice = raw
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build chat request: %w", err)
	}
	return data, nil
}

// buildChatMessages renders one neutral turn. Tool results become standalone
// tool messages, which the chat dialect requires directly after the tool
// call they answer.
func buildChatMessages(m Message) []chatMessage {
	var out []chatMessage
	var texts []string
	msg := chatMessage{Role: m.Role}
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			texts = append(texts, b.Text)
		case BlockThinking:
			msg.ReasoningContent = b.Text
		case BlockToolUse:
			tc := chatToolCall{ID: b.ToolID, Type: "function"}
			tc.Function.Name = b.ToolName
			tc.Function.Arguments = rawToArgs(b.ToolInput)
			msg.ToolCalls = append(msg.ToolCalls, tc)
		case BlockToolResult:
			content, _ := json.Marshal(textFromRaw(b.ToolResult))
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: b.ToolID,
				Content:    content,
			})
		}
	}
	if len(texts) > 0 {
		content, _ := json.Marshal(strings.Join(texts, "\n"))
		msg.Content = content
	}
	if msg.Content != nil || msg.ReasoningContent != "" || len(msg.ToolCalls) > 0 {
		if msg.Role == RoleTool {
			msg.Role = RoleUser
		}
		// Results go first so they answer the preceding assistant turn.
		out = append(out, msg)
	}
	return out
}

func (openaiChatCodec) ParseResponse(body []byte) (*Response, error) {
	var in chatResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse chat response: %w", err)
	}
	out := &Response{
		ID:    in.ID,
		Model: in.Model,
		Usage: chatUsageToNeutral(in.Usage),
	}
	if len(in.Choices) == 0 {
		return out, nil
	}
	choice := in.Choices[0]
	if choice.FinishReason != nil {
		out.StopReason = chatFinishToNeutral(*choice.FinishReason)
	}
	if msg := choice.Message; msg != nil {
		if msg.ReasoningContent != "" {
			out.Blocks = append(out.Blocks, Block{Type: BlockThinking, Text: msg.ReasoningContent})
		}
		if text := textFromRaw(msg.Content); text != "" {
			out.Blocks = append(out.Blocks, Block{Type: BlockText, Text: text})
		}
		for _, tc := range msg.ToolCalls {
			out.Blocks = append(out.Blocks, Block{
				Type:      BlockToolUse,
				ToolID:    tc.ID,
				ToolName:  tc.Function.Name,
				ToolInput: argsToRaw(tc.Function.Arguments),
			})
		}
	}
	return out, nil
}

func (openaiChatCodec) BuildResponse(resp *Response) ([]byte, error) {
	msg := &chatMessage{Role: RoleAssistant}
	var texts []string
	for _, b := range resp.Blocks {
		switch b.Type {
		case BlockText:
			texts = append(texts, b.Text)
		case BlockThinking:
			msg.ReasoningContent = b.Text
		case BlockToolUse:
			tc := chatToolCall{ID: b.ToolID, Type: "function"}
			tc.Function.Name = b.ToolName
			tc.Function.Arguments = rawToArgs(b.ToolInput)
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
	}
	if len(texts) > 0 {
		content, _ := json.Marshal(strings.Join(texts, "\n"))
		msg.Content = content
	}
	finish := chatFinishFromNeutral(resp.StopReason)
	out := chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatChoice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage:   chatUsageFromNeutral(resp.Usage),
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build chat response: %w", err)
	}
	return data, nil
}

func chatFinishToNeutral(s string) string {
	switch s {
	case "stop":
		return StopEnd
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	case "content_filter":
		return StopContentFilter
	case "":
		return ""
	}
	return StopEnd
}

func chatFinishFromNeutral(s string) string {
	switch s {
	case StopMaxTokens:
		return "length"
	case StopToolUse:
		return "tool_calls"
	case StopContentFilter:
		return "content_filter"
	}
	return "stop"
}

func chatUsageToNeutral(u *chatUsage) *Usage {
	if u == nil {
		return nil
	}
	out := &Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.PromptDetails != nil {
		out.CacheReadTokens = u.PromptDetails.CachedTokens
	}
	return out
}

func chatUsageFromNeutral(u *Usage) *chatUsage {
	if u == nil {
		return nil
	}
	out := &chatUsage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens}
	var total int64
	if u.InputTokens != nil {
		total += *u.InputTokens
	}
	if u.OutputTokens != nil {
		total += *u.OutputTokens
	}
	out.TotalTokens = Int64(total)
	if u.CacheReadTokens != nil {
		out.PromptDetails = &struct {
			CachedTokens *int64 `json:"cached_tokens,omitempty"`
		}{CachedTokens: u.CacheReadTokens}
	}
	return out
}

// chatStreamParser tracks open blocks across chunks. The chat dialect has no
// block boundaries on the wire, so boundaries are inferred from delta kinds
// and tool call indexes.
type chatStreamParser struct {
	started    bool
	finished   bool
	stopReason string
	usage      *Usage

	hasOpen   bool
	openType  BlockType
	openIndex int
	nextIndex int
	toolIndex map[int]int // wire tool_calls index -> neutral block index
}

func (openaiChatCodec) NewStreamParser() StreamParser {
	return &chatStreamParser{toolIndex: make(map[int]int)}
}

func (p *chatStreamParser) Parse(name string, data []byte) ([]StreamEvent, error) {
	var in chatResponse
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("translate: parse chat stream chunk: %w", err)
	}
	var events []StreamEvent
	if !p.started {
		p.started = true
		events = append(events, StreamEvent{Type: EventStart, ID: in.ID, Model: in.Model})
	}
	if in.Usage != nil {
		if p.usage == nil {
			p.usage = &Usage{}
		}
		p.usage.Merge(chatUsageToNeutral(in.Usage))
	}
	if len(in.Choices) == 0 {
		return events, nil
	}
	choice := in.Choices[0]
	if delta := choice.Delta; delta != nil {
		if delta.ReasoningContent != "" {
			events = append(events, p.blockDelta(BlockThinking, EventThinking, delta.ReasoningContent)...)
		}
		if text := textFromRaw(delta.Content); text != "" {
			events = append(events, p.blockDelta(BlockText, EventTextDelta, text)...)
		}
		for _, tc := range delta.ToolCalls {
			wireIdx := 0
			if tc.Index != nil {
				wireIdx = *tc.Index
			}
			neutral, known := p.toolIndex[wireIdx]
			if !known {
				events = append(events, p.closeOpen()...)
				neutral = p.nextIndex
				p.nextIndex++
				p.toolIndex[wireIdx] = neutral
				p.hasOpen = true
				p.openType = BlockToolUse
				p.openIndex = neutral
				events = append(events, StreamEvent{
					Type:  EventBlockStart,
					Index: neutral,
					Block: &Block{Type: BlockToolUse, ToolID: tc.ID, ToolName: tc.Function.Name},
				})
			}
			if tc.Function.Arguments != "" {
				events = append(events, StreamEvent{Type: EventArgsDelta, Index: neutral, Delta: tc.Function.Arguments})
			}
		}
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		p.stopReason = chatFinishToNeutral(*choice.FinishReason)
		events = append(events, p.closeOpen()...)
	}
	return events, nil
}

// blockDelta emits a delta into an open block of the wanted type, opening a
// fresh block when the kind changes.
func (p *chatStreamParser) blockDelta(bt BlockType, et StreamEventType, delta string) []StreamEvent {
	var events []StreamEvent
	if !p.hasOpen || p.openType != bt {
		events = append(events, p.closeOpen()...)
		p.hasOpen = true
		p.openType = bt
		p.openIndex = p.nextIndex
		p.nextIndex++
		events = append(events, StreamEvent{
			Type:  EventBlockStart,
			Index: p.openIndex,
			Block: &Block{Type: bt},
		})
	}
	events = append(events, StreamEvent{Type: et, Index: p.openIndex, Delta: delta})
	return events
}

func (p *chatStreamParser) closeOpen() []StreamEvent {
	if !p.hasOpen {
		return nil
	}
	p.hasOpen = false
	return []StreamEvent{{Type: EventBlockStop, Index: p.openIndex}}
}

func (p *chatStreamParser) Finish() ([]StreamEvent, error) {
	if !p.started || p.finished {
		return nil, nil
	}
	p.finished = true
	events := p.closeOpen()
	stop := p.stopReason
	if stop == "" {
		stop = StopEnd
	}
	events = append(events, StreamEvent{Type: EventFinish, StopReason: stop, Usage: p.usage})
	return events, nil
}

// chatStreamBuilder renders neutral events as chat completion chunks. Every
// chunk reuses the id and model announced at start.
type chatStreamBuilder struct {
	id      string
	model   string
	created int64

	toolCount int
	toolWire  map[int]int // neutral block index -> wire tool_calls index
}

func (openaiChatCodec) NewStreamBuilder() StreamBuilder {
	return &chatStreamBuilder{toolWire: make(map[int]int)}
}

func (b *chatStreamBuilder) Build(ev StreamEvent) ([]Frame, error) {
	switch ev.Type {
	case EventStart:
		b.id = ev.ID
		b.model = ev.Model
		b.created = time.Now().Unix()
		return b.chunk(&chatMessage{Role: RoleAssistant}, nil, nil)
	case EventBlockStart:
		if ev.Block == nil || ev.Block.Type != BlockToolUse {
			return nil, nil
		}
		wire := b.toolCount
		b.toolCount++
		b.toolWire[ev.Index] = wire
		tc := chatToolCall{Index: &wire, ID: ev.Block.ToolID, Type: "function"}
		tc.Function.Name = ev.Block.ToolName
		return b.chunk(&chatMessage{ToolCalls: []chatToolCall{tc}}, nil, nil)
	case EventTextDelta:
		content, _ := json.Marshal(ev.Delta)
		return b.chunk(&chatMessage{Content: content}, nil, nil)
	case EventThinking:
		return b.chunk(&chatMessage{ReasoningContent: ev.Delta}, nil, nil)
	case EventArgsDelta:
		wire, ok := b.toolWire[ev.Index]
		if !ok {
			return nil, nil
		}
		tc := chatToolCall{Index: &wire}
		tc.Function.Arguments = ev.Delta
		return b.chunk(&chatMessage{ToolCalls: []chatToolCall{tc}}, nil, nil)
	case EventBlockStop, EventPing:
		return nil, nil
	case EventFinish:
		finish := chatFinishFromNeutral(ev.StopReason)
		frames, err := b.chunk(&chatMessage{}, &finish, nil)
		if err != nil {
			return nil, err
		}
		if !ev.Usage.Empty() {
			usage, err := b.usageChunk(ev.Usage)
			if err != nil {
				return nil, err
			}
			frames = append(frames, usage...)
		}
		return frames, nil
	}
	return nil, nil
}

func (b *chatStreamBuilder) chunk(delta *chatMessage, finish *string, usage *chatUsage) ([]Frame, error) {
	out := chatResponse{
		ID:      b.id,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.model,
		Choices: []chatChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build chat stream chunk: %w", err)
	}
	return []Frame{{Data: data}}, nil
}

// usageChunk is the trailing chunk the chat dialect uses when usage reporting
// is enabled: empty choices, counters only.
func (b *chatStreamBuilder) usageChunk(u *Usage) ([]Frame, error) {
	out := chatResponse{
		ID:      b.id,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.model,
		Choices: []chatChoice{},
		Usage:   chatUsageFromNeutral(u),
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build chat usage chunk: %w", err)
	}
	return []Frame{{Data: data}}, nil
}
