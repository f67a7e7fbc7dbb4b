package translate

import (
	"encoding/json"
	"fmt"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// claudeCodec speaks the Anthropic messages dialect.
type claudeCodec struct{}

func (claudeCodec) Proto() protocol.Proto { return protocol.ProtoClaude }

type claudeRequest struct {
	Model         string              `json:"model"`
	MaxTokens     int64               `json:"max_tokens,omitempty"`
	System        json.RawMessage     `json:"system,omitempty"`
	Messages      []claudeMessage     `json:"messages"`
	Tools         []claudeTool        `json:"tools,omitempty"`
	ToolChoice    *claudeToolChoice   `json:"tool_choice,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type claudeToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type claudeUsage struct {
	InputTokens         *int64 `json:"input_tokens,omitempty"`
	OutputTokens        *int64 `json:"output_tokens,omitempty"`
	CacheReadTokens     *int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationTokens *int64 `json:"cache_creation_input_tokens,omitempty"`
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role"`
	Model      string        `json:"model"`
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason,omitempty"`
	Usage      *claudeUsage  `json:"usage,omitempty"`
}

func (claudeCodec) ParseRequest(body []byte) (*Request, error) {
	var in claudeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse claude request: %w", err)
	}
	out := &Request{
		Model:         in.Model,
		System:        claudeSystemText(in.System),
		MaxTokens:     in.MaxTokens,
		Temperature:   in.Temperature,
		TopP:          in.TopP,
		StopSequences: in.StopSequences,
		Stream:        in.Stream,
	}
	for _, m := range in.Messages {
		blocks, err := parseClaudeContent(m.Content)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, Message{Role: m.Role, Blocks: blocks})
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	if in.ToolChoice != nil {
		tc := &ToolChoice{Name: in.ToolChoice.Name}
		switch in.ToolChoice.Type {
		case "any":
			tc.Mode = ToolChoiceAny
		case "none":
			tc.Mode = ToolChoiceNone
		case "tool":
			tc.Mode = ToolChoiceTool
		default:
			tc.Mode = ToolChoiceAuto
		}
		out.ToolChoice = tc
	}
	return out, nil
}

// claudeSystemText flattens a system prompt that may be a plain string or a
// list of text blocks.
func claudeSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

func parseClaudeContent(raw json.RawMessage) ([]Block, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []Block{{Type: BlockText, Text: s}}, nil
	}
	var in []claudeBlock
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("translate: parse claude content: %w", err)
	}
	var out []Block
	for _, b := range in {
		switch b.Type {
		case "text":
			out = append(out, Block{Type: BlockText, Text: b.Text})
		case "thinking":
			out = append(out, Block{Type: BlockThinking, Text: b.Thinking})
		case "tool_use":
			out = append(out, Block{Type: BlockToolUse, ToolID: b.ID, ToolName: b.Name, ToolInput: b.Input})
		case "tool_result":
			out = append(out, Block{
				Type:       BlockToolResult,
				ToolID:     b.ToolUseID,
				ToolResult: b.Content,
				IsError:    b.IsError,
			})
		}
	}
	return out, nil
}

func (claudeCodec) BuildRequest(req *Request) ([]byte, error) {
	out := claudeRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}
	if out.MaxTokens == 0 {
		// The messages dialect requires max_tokens.
		out.MaxTokens = 4096
	}
	if req.System != "" {
		sys, err := json.Marshal(req.System)
		if err != nil {
			return nil, fmt.Errorf("translate: build claude system: %w", err)
		}
		out.System = sys
	}
	for _, m := range req.Messages {
		role := m.Role
		if role == RoleTool {
			// Tool results travel as user turns in the messages dialect.
			role = RoleUser
		}
		content, err := buildClaudeContent(m.Blocks)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, claudeMessage{Role: role, Content: content})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, claudeTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	if req.ToolChoice != nil {
		tc := &claudeToolChoice{Name: req.ToolChoice.Name}
		switch req.ToolChoice.Mode {
		case ToolChoiceAny:
			tc.Type = "any"
		case ToolChoiceNone:
			tc.Type = "none"
		case ToolChoiceTool:
			tc.Type = "tool"
		default:
			tc.Type = "auto"
		}
		out.ToolChoice = tc
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build claude request: %w", err)
	}
	return data, nil
}

func buildClaudeContent(blocks []Block) (json.RawMessage, error) {
	out := make([]claudeBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			out = append(out, claudeBlock{Type: "text", Text: b.Text})
		case BlockThinking:
			out = append(out, claudeBlock{Type: "thinking", Thinking: b.Text})
		case BlockToolUse:
			input := b.ToolInput
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out = append(out, claudeBlock{Type: "tool_use", ID: b.ToolID, Name: b.ToolName, Input: input})
		case BlockToolResult:
			out = append(out, claudeBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolID,
				Content:   b.ToolResult,
				IsError:   b.IsError,
			})
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build claude content: %w", err)
	}
	return data, nil
}

func (claudeCodec) ParseResponse(body []byte) (*Response, error) {
	var in claudeResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse claude response: %w", err)
	}
	out := &Response{
		ID:         in.ID,
		Model:      in.Model,
		StopReason: claudeStopToNeutral(in.StopReason),
		Usage:      claudeUsageToNeutral(in.Usage),
	}
	for _, b := range in.Content {
		switch b.Type {
		case "text":
			out.Blocks = append(out.Blocks, Block{Type: BlockText, Text: b.Text})
		case "thinking":
			out.Blocks = append(out.Blocks, Block{Type: BlockThinking, Text: b.Thinking})
		case "tool_use":
			out.Blocks = append(out.Blocks, Block{Type: BlockToolUse, ToolID: b.ID, ToolName: b.Name, ToolInput: b.Input})
		}
	}
	return out, nil
}

func (claudeCodec) BuildResponse(resp *Response) ([]byte, error) {
	out := claudeResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       RoleAssistant,
		Model:      resp.Model,
		Content:    []claudeBlock{},
		StopReason: claudeStopFromNeutral(resp.StopReason),
		Usage:      claudeUsageFromNeutral(resp.Usage),
	}
	for _, b := range resp.Blocks {
		switch b.Type {
		case BlockText:
			out.Content = append(out.Content, claudeBlock{Type: "text", Text: b.Text})
		case BlockThinking:
			out.Content = append(out.Content, claudeBlock{Type: "thinking", Thinking: b.Text})
		case BlockToolUse:
			input := b.ToolInput
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out.Content = append(out.Content, claudeBlock{Type: "tool_use", ID: b.ToolID, Name: b.ToolName, Input: input})
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build claude response: %w", err)
	}
	return data, nil
}

func claudeStopToNeutral(s string) string {
	switch s {
	case "end_turn":
		return StopEnd
	case "max_tokens":
		return StopMaxTokens
	case "tool_use":
		return StopToolUse
	case "stop_sequence":
		return StopSequenceHit
	case "refusal":
		return StopContentFilter
	case "":
		return ""
	}
	return StopEnd
}

func claudeStopFromNeutral(s string) string {
	switch s {
	case StopMaxTokens:
		return "max_tokens"
	case StopToolUse:
		return "tool_use"
	case StopSequenceHit:
		return "stop_sequence"
	case StopContentFilter:
		return "refusal"
	case "":
		return ""
	}
	return "end_turn"
}

func claudeUsageToNeutral(u *claudeUsage) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
	}
}

func claudeUsageFromNeutral(u *Usage) *claudeUsage {
	if u == nil {
		return nil
	}
	return &claudeUsage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
	}
}

// claudeStreamEvent is the envelope shared by every messages stream frame.
type claudeStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Message *struct {
		ID    string       `json:"id"`
		Model string       `json:"model"`
		Usage *claudeUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	ContentBlock *claudeBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *claudeUsage `json:"usage,omitempty"`
}

type claudeStreamParser struct {
	started  bool
	finished bool
}

func (claudeCodec) NewStreamParser() StreamParser { return &claudeStreamParser{} }

func (p *claudeStreamParser) Parse(name string, data []byte) ([]StreamEvent, error) {
	var in claudeStreamEvent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("translate: parse claude stream event: %w", err)
	}
	kind := in.Type
	if kind == "" {
		kind = name
	}
	switch kind {
	case "message_start":
		p.started = true
		ev := StreamEvent{Type: EventStart}
		if in.Message != nil {
			ev.ID = in.Message.ID
			ev.Model = in.Message.Model
			ev.Usage = claudeUsageToNeutral(in.Message.Usage)
		}
		return []StreamEvent{ev}, nil
	case "content_block_start":
		ev := StreamEvent{Type: EventBlockStart, Index: in.Index}
		if cb := in.ContentBlock; cb != nil {
			switch cb.Type {
			case "tool_use":
				ev.Block = &Block{Type: BlockToolUse, ToolID: cb.ID, ToolName: cb.Name}
			case "thinking":
				ev.Block = &Block{Type: BlockThinking}
			default:
				ev.Block = &Block{Type: BlockText}
			}
		}
		return []StreamEvent{ev}, nil
	case "content_block_delta":
		if in.Delta == nil {
			return nil, nil
		}
		switch in.Delta.Type {
		case "input_json_delta":
			return []StreamEvent{{Type: EventArgsDelta, Index: in.Index, Delta: in.Delta.PartialJSON}}, nil
		case "thinking_delta":
			return []StreamEvent{{Type: EventThinking, Index: in.Index, Delta: in.Delta.Thinking}}, nil
		default:
			return []StreamEvent{{Type: EventTextDelta, Index: in.Index, Delta: in.Delta.Text}}, nil
		}
	case "content_block_stop":
		return []StreamEvent{{Type: EventBlockStop, Index: in.Index}}, nil
	case "message_delta":
		p.finished = true
		ev := StreamEvent{Type: EventFinish, Usage: claudeUsageToNeutral(in.Usage)}
		if in.Delta != nil {
			ev.StopReason = claudeStopToNeutral(in.Delta.StopReason)
		}
		return []StreamEvent{ev}, nil
	case "message_stop":
		return nil, nil
	case "ping":
		return []StreamEvent{{Type: EventPing}}, nil
	}
	return nil, nil
}

func (p *claudeStreamParser) Finish() ([]StreamEvent, error) {
	if !p.started || p.finished {
		return nil, nil
	}
	p.finished = true
	return []StreamEvent{{Type: EventFinish, StopReason: StopEnd}}, nil
}

type claudeStreamBuilder struct {
	started bool
}

func (claudeCodec) NewStreamBuilder() StreamBuilder { return &claudeStreamBuilder{} }

func (b *claudeStreamBuilder) Build(ev StreamEvent) ([]Frame, error) {
	switch ev.Type {
	case EventStart:
		b.started = true
		usage := claudeUsageFromNeutral(ev.Usage)
		if usage == nil {
			usage = &claudeUsage{InputTokens: Int64(0), OutputTokens: Int64(0)}
		}
		payload := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      ev.ID,
				"type":    "message",
				"role":    RoleAssistant,
				"model":   ev.Model,
				"content": []any{},
				"usage":   usage,
			},
		}
		return claudeFrame("message_start", payload)
	case EventBlockStart:
		block := map[string]any{"type": "text", "text": ""}
		if ev.Block != nil {
			switch ev.Block.Type {
			case BlockToolUse:
				block = map[string]any{"type": "tool_use", "id": ev.Block.ToolID, "name": ev.Block.ToolName, "input": map[string]any{}}
			case BlockThinking:
				block = map[string]any{"type": "thinking", "thinking": ""}
			}
		}
		return claudeFrame("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         ev.Index,
			"content_block": block,
		})
	case EventTextDelta:
		return claudeFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": map[string]any{"type": "text_delta", "text": ev.Delta},
		})
	case EventThinking:
		return claudeFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Delta},
		})
	case EventArgsDelta:
		return claudeFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.Delta},
		})
	case EventBlockStop:
		return claudeFrame("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": ev.Index,
		})
	case EventFinish:
		delta, err := claudeFrame("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   claudeStopFromNeutral(ev.StopReason),
				"stop_sequence": nil,
			},
			"usage": claudeFinishUsage(ev.Usage),
		})
		if err != nil {
			return nil, err
		}
		stop, err := claudeFrame("message_stop", map[string]any{"type": "message_stop"})
		if err != nil {
			return nil, err
		}
		return append(delta, stop...), nil
	case EventPing:
		return claudeFrame("ping", map[string]any{"type": "ping"})
	}
	return nil, nil
}

func claudeFinishUsage(u *Usage) *claudeUsage {
	out := claudeUsageFromNeutral(u)
	if out == nil {
		out = &claudeUsage{}
	}
	if out.OutputTokens == nil {
		out.OutputTokens = Int64(0)
	}
	return out
}

func claudeFrame(name string, payload any) ([]Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("translate: build claude stream event: %w", err)
	}
	return []Frame{{Name: name, Data: data}}, nil
}
