package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// openaiResponseCodec speaks the OpenAI responses dialect.
type openaiResponseCodec struct{}

func (openaiResponseCodec) Proto() protocol.Proto { return protocol.ProtoOpenAIResponse }

type respRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Tools           []respTool      `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	MaxOutputTokens int64           `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

// respTool is flat, unlike chat tools which nest under "function".
type respTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// respItem is both an input item and an output item. The dialect reuses one
// envelope for messages, function calls, their outputs and reasoning.
type respItem struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Status  string          `json:"status,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`

	Summary []respSummaryPart `json:"summary,omitempty"`
}

type respSummaryPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type respContentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Annotations []any  `json:"annotations,omitempty"`
}

type respUsage struct {
	InputTokens  *int64 `json:"input_tokens,omitempty"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`
	TotalTokens  *int64 `json:"total_tokens,omitempty"`
	InputDetails *struct {
		CachedTokens *int64 `json:"cached_tokens,omitempty"`
	} `json:"input_tokens_details,omitempty"`
}

type respResponse struct {
	ID                string          `json:"id"`
	Object            string          `json:"object"`
	CreatedAt         int64           `json:"created_at"`
	Status            string          `json:"status,omitempty"`
	Model             string          `json:"model,omitempty"`
	Output            []respItem      `json:"output"`
	IncompleteDetails *respIncomplete `json:"incomplete_details,omitempty"`
	Usage             *respUsage      `json:"usage,omitempty"`
}

type respIncomplete struct {
	Reason string `json:"reason,omitempty"`
}

func (openaiResponseCodec) ParseRequest(body []byte) (*Request, error) {
	var in respRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse responses request: %w", err)
	}
	out := &Request{
		Model:       in.Model,
		System:      in.Instructions,
		MaxTokens:   in.MaxOutputTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if err := parseRespInput(in.Input, out); err != nil {
		return nil, err
	}
	for _, t := range in.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	tc, err := parseRespToolChoice(in.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = tc
	return out, nil
}

// parseRespInput folds the polymorphic input field into neutral messages. A
// bare string is one user turn; item lists map per item type. Function calls
// merge into the preceding assistant turn so tool use stays attached to the
// message that issued it.
func parseRespInput(raw json.RawMessage, out *Request) error {
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text != "" {
			out.Messages = append(out.Messages, Message{
				Role:   RoleUser,
				Blocks: []Block{{Type: BlockText, Text: text}},
			})
		}
		return nil
	}
	var items []respItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("translate: parse responses input: %w", err)
	}
	for _, item := range items {
		switch item.Type {
		case "", "message":
			text := textFromRaw(item.Content)
			switch item.Role {
			case "system", "developer":
				if out.System != "" {
					out.System += "\n"
				}
				out.System += text
			case "assistant":
				if text != "" {
					appendRespBlock(out, RoleAssistant, Block{Type: BlockText, Text: text})
				}
			default:
				if text != "" {
					out.Messages = append(out.Messages, Message{
						Role:   RoleUser,
						Blocks: []Block{{Type: BlockText, Text: text}},
					})
				}
			}
		case "function_call":
			appendRespBlock(out, RoleAssistant, Block{
				Type:      BlockToolUse,
				ToolID:    respCallID(item),
				ToolName:  item.Name,
				ToolInput: argsToRaw(item.Arguments),
			})
		case "function_call_output":
			out.Messages = append(out.Messages, Message{
				Role: RoleTool,
				Blocks: []Block{{
					Type:       BlockToolResult,
					ToolID:     respCallID(item),
					ToolResult: item.Output,
				}},
			})
		case "reasoning":
			if text := respSummaryText(item.Summary); text != "" {
				appendRespBlock(out, RoleAssistant, Block{Type: BlockThinking, Text: text})
			}
		}
	}
	return nil
}

// appendRespBlock extends the trailing message when the role matches, which
// keeps sibling items of one turn in one neutral message.
func appendRespBlock(out *Request, role string, b Block) {
	if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
		out.Messages[n-1].Blocks = append(out.Messages[n-1].Blocks, b)
		return
	}
	out.Messages = append(out.Messages, Message{Role: role, Blocks: []Block{b}})
}

func respCallID(item respItem) string {
	if item.CallID != "" {
		return item.CallID
	}
	return item.ID
}

func respSummaryText(parts []respSummaryPart) string {
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func parseRespToolChoice(raw json.RawMessage) (*ToolChoice, error) {
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
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, fmt.Errorf("translate: parse responses tool_choice: %w", err)
	}
	if named.Name != "" {
		return &ToolChoice{Mode: ToolChoiceTool, Name: named.Name}, nil
	}
	return nil, nil
}

func (openaiResponseCodec) BuildRequest(req *Request) ([]byte, error) {
	out := respRequest{
		Model:           req.Model,
		Instructions:    req.System,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}
	var items []respItem
	for _, m := range req.Messages {
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				partType := "input_text"
				role := m.Role
				if m.Role == RoleAssistant {
					partType = "output_text"
				} else {
					role = RoleUser
				}
				content, _ := json.Marshal([]respContentPart{{Type: partType, Text: b.Text}})
				items = append(items, respItem{Type: "message", Role: role, Content: content})
			case BlockThinking:
				// Upstreams reject replayed reasoning without the original
				// signed payload, so thinking never round-trips.
			case BlockToolUse:
				items = append(items, respItem{
					Type:      "function_call",
					CallID:    b.ToolID,
					Name:      b.ToolName,
					Arguments: rawToArgs(b.ToolInput),
				})
			case BlockToolResult:
				output, _ := json.Marshal(textFromRaw(b.ToolResult))
				items = append(items, respItem{
					Type:   "function_call_output",
					CallID: b.ToolID,
					Output: output,
				})
			}
		}
	}
	if len(items) > 0 {
		input, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("translate: build responses input: %w", err)
		}
		out.Input = input
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, respTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if req.ToolChoice != nil {
		var choice any
		switch req.ToolChoice.Mode {
		case ToolChoiceNone:
			choice = "none"
		case ToolChoiceAny:
			choice = "required"
		case ToolChoiceTool:
			choice = map[string]any{"type": "function", "name": req.ToolChoice.Name}
		default:
			choice = "auto"
		}
		raw, err := json.Marshal(choice)
		if err != nil {
			return nil, fmt.Errorf("translate: build responses tool_choice: %w", err)
		}
		out.ToolChoice = raw
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build responses request: %w", err)
	}
	return data, nil
}

func (openaiResponseCodec) ParseResponse(body []byte) (*Response, error) {
	var in respResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse responses response: %w", err)
	}
	out := &Response{
		ID:    in.ID,
		Model: in.Model,
		Usage: respUsageToNeutral(in.Usage),
	}
	sawTool := false
	for _, item := range in.Output {
		switch item.Type {
		case "message":
			if text := textFromRaw(item.Content); text != "" {
				out.Blocks = append(out.Blocks, Block{Type: BlockText, Text: text})
			}
		case "reasoning":
			if text := respSummaryText(item.Summary); text != "" {
				out.Blocks = append(out.Blocks, Block{Type: BlockThinking, Text: text})
			}
		case "function_call":
			sawTool = true
			out.Blocks = append(out.Blocks, Block{
				Type:      BlockToolUse,
				ToolID:    respCallID(item),
				ToolName:  item.Name,
				ToolInput: argsToRaw(item.Arguments),
			})
		}
	}
	out.StopReason = respStatusToNeutral(in.Status, in.IncompleteDetails, sawTool)
	return out, nil
}

// respStatusToNeutral derives a stop reason from the terminal status. The
// dialect has no finish_reason field; tool use is inferred from the output.
func respStatusToNeutral(status string, details *respIncomplete, sawTool bool) string {
	switch status {
	case "incomplete":
		if details != nil && details.Reason == "content_filter" {
			return StopContentFilter
		}
		return StopMaxTokens
	case "", "in_progress", "queued":
		return ""
	}
	if sawTool {
		return StopToolUse
	}
	return StopEnd
}

func (openaiResponseCodec) BuildResponse(resp *Response) ([]byte, error) {
	out := respResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Status:    "completed",
		Model:     resp.Model,
		Output:    []respItem{},
		Usage:     respUsageFromNeutral(resp.Usage),
	}
	if resp.StopReason == StopMaxTokens {
		out.Status = "incomplete"
		out.IncompleteDetails = &respIncomplete{Reason: "max_output_tokens"}
	}
	for i, b := range resp.Blocks {
		switch b.Type {
		case BlockText:
			content, _ := json.Marshal([]respContentPart{{Type: "output_text", Text: b.Text, Annotations: []any{}}})
			out.Output = append(out.Output, respItem{
				Type:    "message",
				ID:      fmt.Sprintf("msg_%d", i),
				Role:    RoleAssistant,
				Status:  "completed",
				Content: content,
			})
		case BlockThinking:
			out.Output = append(out.Output, respItem{
				Type:    "reasoning",
				ID:      fmt.Sprintf("rs_%d", i),
				Summary: []respSummaryPart{{Type: "summary_text", Text: b.Text}},
			})
		case BlockToolUse:
			out.Output = append(out.Output, respItem{
				Type:      "function_call",
				ID:        fmt.Sprintf("fc_%d", i),
				CallID:    b.ToolID,
				Name:      b.ToolName,
				Arguments: rawToArgs(b.ToolInput),
				Status:    "completed",
			})
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: build responses response: %w", err)
	}
	return data, nil
}

func respUsageToNeutral(u *respUsage) *Usage {
	if u == nil {
		return nil
	}
	out := &Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	if u.InputDetails != nil {
		out.CacheReadTokens = u.InputDetails.CachedTokens
	}
	return out
}

func respUsageFromNeutral(u *Usage) *respUsage {
	if u == nil {
		return nil
	}
	out := &respUsage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	var total int64
	if u.InputTokens != nil {
		total += *u.InputTokens
	}
	if u.OutputTokens != nil {
		total += *u.OutputTokens
	}
	out.TotalTokens = Int64(total)
	if u.CacheReadTokens != nil {
		out.InputDetails = &struct {
			CachedTokens *int64 `json:"cached_tokens,omitempty"`
		}{CachedTokens: u.CacheReadTokens}
	}
	return out
}

// respStreamEvent is the envelope of every named stream event. Fields beyond
// type and sequence_number appear per event kind.
type respStreamEvent struct {
	Type           string           `json:"type"`
	SequenceNumber int64            `json:"sequence_number"`
	Response       *respResponse    `json:"response,omitempty"`
	OutputIndex    *int             `json:"output_index,omitempty"`
	ContentIndex   *int             `json:"content_index,omitempty"`
	SummaryIndex   *int             `json:"summary_index,omitempty"`
	ItemID         string           `json:"item_id,omitempty"`
	Item           *respItem        `json:"item,omitempty"`
	Part           *respContentPart `json:"part,omitempty"`
	Delta          string           `json:"delta,omitempty"`
	Text           string           `json:"text,omitempty"`
	Name           string           `json:"name,omitempty"`
	Arguments      string           `json:"arguments,omitempty"`
}

// respItemState tracks one open output item across stream events.
type respItemState struct {
	neutral  int
	block    BlockType
	started  bool
	deltas   bool
	toolDone bool
}

// respStreamParser keys open blocks by the wire output_index. Message and
// reasoning items open lazily on their first delta; function calls open on
// output_item.added, which carries the call id and name.
type respStreamParser struct {
	started    bool
	finished   bool
	sawTool    bool
	stopReason string
	usage      *Usage

	items     map[int]*respItemState
	nextIndex int
}

func (openaiResponseCodec) NewStreamParser() StreamParser {
	return &respStreamParser{items: make(map[int]*respItemState)}
}

func (p *respStreamParser) Parse(name string, data []byte) ([]StreamEvent, error) {
	var in respStreamEvent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("translate: parse responses stream event: %w", err)
	}
	kind := in.Type
	if kind == "" {
		kind = name
	}
	if in.Response != nil && in.Response.Usage != nil {
		if p.usage == nil {
			p.usage = &Usage{}
		}
		p.usage.Merge(respUsageToNeutral(in.Response.Usage))
	}
	switch kind {
	case "response.created":
		var events []StreamEvent
		if !p.started {
			p.started = true
			ev := StreamEvent{Type: EventStart}
			if in.Response != nil {
				ev.ID = in.Response.ID
				ev.Model = in.Response.Model
			}
			events = append(events, ev)
		}
		return events, nil
	case "response.in_progress", "response.queued":
		return nil, nil
	case "response.output_item.added":
		if in.Item != nil && in.Item.Type == "function_call" {
			state := p.item(in.OutputIndex)
			state.block = BlockToolUse
			state.started = true
			p.sawTool = true
			return []StreamEvent{{
				Type:  EventBlockStart,
				Index: state.neutral,
				Block: &Block{Type: BlockToolUse, ToolID: respCallID(*in.Item), ToolName: in.Item.Name},
			}}, nil
		}
		return nil, nil
	case "response.output_text.delta", "response.refusal.delta":
		return p.delta(in.OutputIndex, BlockText, EventTextDelta, in.Delta), nil
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return p.delta(in.OutputIndex, BlockThinking, EventThinking, in.Delta), nil
	case "response.function_call_arguments.delta":
		state := p.item(in.OutputIndex)
		var events []StreamEvent
		if !state.started {
			// Delta for an item never announced; open a bare tool block.
			state.block = BlockToolUse
			state.started = true
			p.sawTool = true
			events = append(events, StreamEvent{
				Type:  EventBlockStart,
				Index: state.neutral,
				Block: &Block{Type: BlockToolUse, ToolID: in.ItemID},
			})
		}
		state.deltas = true
		events = append(events, StreamEvent{Type: EventArgsDelta, Index: state.neutral, Delta: in.Delta})
		return events, nil
	case "response.output_item.done":
		return p.itemDone(in), nil
	case "response.completed", "response.failed", "response.incomplete":
		p.finished = true
		events := p.closeAll()
		stop := StopEnd
		if in.Response != nil {
			if s := respStatusToNeutral(in.Response.Status, in.Response.IncompleteDetails, p.sawTool); s != "" {
				stop = s
			}
		} else if p.sawTool {
			stop = StopToolUse
		}
		p.stopReason = stop
		events = append(events, StreamEvent{Type: EventFinish, StopReason: stop, Usage: p.usage})
		return events, nil
	}
	return nil, nil
}

func (p *respStreamParser) item(outputIndex *int) *respItemState {
	wire := 0
	if outputIndex != nil {
		wire = *outputIndex
	}
	if state, ok := p.items[wire]; ok {
		return state
	}
	state := &respItemState{neutral: p.nextIndex}
	p.nextIndex++
	p.items[wire] = state
	return state
}

func (p *respStreamParser) delta(outputIndex *int, bt BlockType, et StreamEventType, delta string) []StreamEvent {
	if delta == "" {
		return nil
	}
	state := p.item(outputIndex)
	var events []StreamEvent
	if !state.started {
		state.block = bt
		state.started = true
		events = append(events, StreamEvent{
			Type:  EventBlockStart,
			Index: state.neutral,
			Block: &Block{Type: bt},
		})
	}
	state.deltas = true
	events = append(events, StreamEvent{Type: et, Index: state.neutral, Delta: delta})
	return events
}

// itemDone closes the block. When the done item carries payload that never
// streamed as deltas, the payload is emitted first so nothing is lost.
func (p *respStreamParser) itemDone(in respStreamEvent) []StreamEvent {
	wire := 0
	if in.OutputIndex != nil {
		wire = *in.OutputIndex
	}
	state, ok := p.items[wire]
	var events []StreamEvent
	if in.Item != nil {
		switch in.Item.Type {
		case "function_call":
			if (!ok || !state.deltas) && in.Item.Arguments != "" {
				if !ok || !state.started {
					state = p.item(in.OutputIndex)
					state.block = BlockToolUse
					state.started = true
					p.sawTool = true
					events = append(events, StreamEvent{
						Type:  EventBlockStart,
						Index: state.neutral,
						Block: &Block{Type: BlockToolUse, ToolID: respCallID(*in.Item), ToolName: in.Item.Name},
					})
				}
				events = append(events, StreamEvent{Type: EventArgsDelta, Index: state.neutral, Delta: in.Item.Arguments})
			}
		case "message":
			if (!ok || !state.deltas) && len(in.Item.Content) > 0 {
				if text := textFromRaw(in.Item.Content); text != "" {
					events = append(events, p.delta(in.OutputIndex, BlockText, EventTextDelta, text)...)
				}
			}
		}
		state, ok = p.items[wire]
	}
	if ok && state.started {
		state.started = false
		delete(p.items, wire)
		events = append(events, StreamEvent{Type: EventBlockStop, Index: state.neutral})
	}
	return events
}

func (p *respStreamParser) closeAll() []StreamEvent {
	var events []StreamEvent
	for wire, state := range p.items {
		if state.started {
			events = append(events, StreamEvent{Type: EventBlockStop, Index: state.neutral})
		}
		delete(p.items, wire)
	}
	return events
}

func (p *respStreamParser) Finish() ([]StreamEvent, error) {
	if !p.started || p.finished {
		return nil, nil
	}
	p.finished = true
	events := p.closeAll()
	stop := StopEnd
	if p.sawTool {
		stop = StopToolUse
	}
	events = append(events, StreamEvent{Type: EventFinish, StopReason: stop, Usage: p.usage})
	return events, nil
}

// respBuiltItem is one output item under construction on the builder side.
type respBuiltItem struct {
	itemID string
	wire   int
	block  BlockType
	id     string
	name   string
	buf    strings.Builder
}

// respStreamBuilder renders neutral events as the dialect's named events.
// Every frame carries the running sequence number; the terminal event repeats
// the accumulated output so clients that only read response.completed still
// see the whole message.
type respStreamBuilder struct {
	id        string
	model     string
	createdAt int64
	seq       int64

	nextWire int
	open     map[int]*respBuiltItem // neutral block index -> item
	done     []respItem
}

func (openaiResponseCodec) NewStreamBuilder() StreamBuilder {
	return &respStreamBuilder{open: make(map[int]*respBuiltItem)}
}

func (b *respStreamBuilder) Build(ev StreamEvent) ([]Frame, error) {
	switch ev.Type {
	case EventStart:
		b.id = ev.ID
		if b.id == "" {
			b.id = "resp_0"
		}
		b.model = ev.Model
		b.createdAt = time.Now().Unix()
		return b.frame("response.created", respStreamEvent{
			Response: b.skeleton("in_progress", nil, nil),
		})
	case EventBlockStart:
		if ev.Block == nil {
			return nil, nil
		}
		return b.openItem(ev.Index, ev.Block)
	case EventTextDelta:
		item, ok := b.open[ev.Index]
		if !ok {
			return nil, nil
		}
		item.buf.WriteString(ev.Delta)
		return b.frame("response.output_text.delta", respStreamEvent{
			ItemID:       item.itemID,
			OutputIndex:  intp(item.wire),
			ContentIndex: intp(0),
			Delta:        ev.Delta,
		})
	case EventThinking:
		item, ok := b.open[ev.Index]
		if !ok {
			return nil, nil
		}
		item.buf.WriteString(ev.Delta)
		return b.frame("response.reasoning_summary_text.delta", respStreamEvent{
			ItemID:       item.itemID,
			OutputIndex:  intp(item.wire),
			SummaryIndex: intp(0),
			Delta:        ev.Delta,
		})
	case EventArgsDelta:
		item, ok := b.open[ev.Index]
		if !ok {
			return nil, nil
		}
		item.buf.WriteString(ev.Delta)
		return b.frame("response.function_call_arguments.delta", respStreamEvent{
			ItemID:      item.itemID,
			OutputIndex: intp(item.wire),
			Delta:       ev.Delta,
		})
	case EventBlockStop:
		return b.closeItem(ev.Index)
	case EventFinish:
		frames, err := b.closeAll()
		if err != nil {
			return nil, err
		}
		name := "response.completed"
		status := "completed"
		var details *respIncomplete
		if ev.StopReason == StopMaxTokens {
			name = "response.incomplete"
			status = "incomplete"
			details = &respIncomplete{Reason: "max_output_tokens"}
		}
		terminal, err := b.frame(name, respStreamEvent{
			Response: b.skeleton(status, details, respUsageFromNeutral(ev.Usage)),
		})
		if err != nil {
			return nil, err
		}
		return append(frames, terminal...), nil
	case EventPing:
		return b.frame("response.in_progress", respStreamEvent{
			Response: b.skeleton("in_progress", nil, nil),
		})
	}
	return nil, nil
}

func (b *respStreamBuilder) openItem(neutral int, block *Block) ([]Frame, error) {
	item := &respBuiltItem{wire: b.nextWire, block: block.Type, id: block.ToolID, name: block.ToolName}
	b.nextWire++
	b.open[neutral] = item
	switch block.Type {
	case BlockToolUse:
		item.itemID = fmt.Sprintf("fc_%d", item.wire)
		return b.frame("response.output_item.added", respStreamEvent{
			OutputIndex: intp(item.wire),
			Item: &respItem{
				Type:   "function_call",
				ID:     item.itemID,
				CallID: block.ToolID,
				Name:   block.ToolName,
				Status: "in_progress",
			},
		})
	case BlockThinking:
		item.itemID = fmt.Sprintf("rs_%d", item.wire)
		return b.frame("response.output_item.added", respStreamEvent{
			OutputIndex: intp(item.wire),
			Item:        &respItem{Type: "reasoning", ID: item.itemID, Summary: []respSummaryPart{}},
		})
	default:
		item.itemID = fmt.Sprintf("msg_%d", item.wire)
		added, err := b.frame("response.output_item.added", respStreamEvent{
			OutputIndex: intp(item.wire),
			Item: &respItem{
				Type:    "message",
				ID:      item.itemID,
				Role:    RoleAssistant,
				Status:  "in_progress",
				Content: json.RawMessage(`[]`),
			},
		})
		if err != nil {
			return nil, err
		}
		part, err := b.frame("response.content_part.added", respStreamEvent{
			ItemID:       item.itemID,
			OutputIndex:  intp(item.wire),
			ContentIndex: intp(0),
			Part:         &respContentPart{Type: "output_text", Annotations: []any{}},
		})
		if err != nil {
			return nil, err
		}
		return append(added, part...), nil
	}
}

func (b *respStreamBuilder) closeItem(neutral int) ([]Frame, error) {
	item, ok := b.open[neutral]
	if !ok {
		return nil, nil
	}
	delete(b.open, neutral)
	final := b.finishedItem(item)
	b.done = append(b.done, final)
	var frames []Frame
	switch item.block {
	case BlockToolUse:
		argsDone, err := b.frame("response.function_call_arguments.done", respStreamEvent{
			ItemID:      item.itemID,
			OutputIndex: intp(item.wire),
			Name:        item.name,
			Arguments:   item.buf.String(),
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, argsDone...)
	case BlockText:
		textDone, err := b.frame("response.output_text.done", respStreamEvent{
			ItemID:       item.itemID,
			OutputIndex:  intp(item.wire),
			ContentIndex: intp(0),
			Text:         item.buf.String(),
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, textDone...)
		partDone, err := b.frame("response.content_part.done", respStreamEvent{
			ItemID:       item.itemID,
			OutputIndex:  intp(item.wire),
			ContentIndex: intp(0),
			Part:         &respContentPart{Type: "output_text", Text: item.buf.String(), Annotations: []any{}},
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, partDone...)
	}
	itemDone, err := b.frame("response.output_item.done", respStreamEvent{
		OutputIndex: intp(item.wire),
		Item:        &final,
	})
	if err != nil {
		return nil, err
	}
	return append(frames, itemDone...), nil
}

func (b *respStreamBuilder) closeAll() ([]Frame, error) {
	var frames []Frame
	for neutral := range b.open {
		closed, err := b.closeItem(neutral)
		if err != nil {
			return nil, err
		}
		frames = append(frames, closed...)
	}
	return frames, nil
}

func (b *respStreamBuilder) finishedItem(item *respBuiltItem) respItem {
	switch item.block {
	case BlockToolUse:
		return respItem{
			Type:      "function_call",
			ID:        item.itemID,
			CallID:    item.id,
			Name:      item.name,
			Arguments: item.buf.String(),
			Status:    "completed",
		}
	case BlockThinking:
		return respItem{
			Type:    "reasoning",
			ID:      item.itemID,
			Summary: []respSummaryPart{{Type: "summary_text", Text: item.buf.String()}},
		}
	default:
		content, _ := json.Marshal([]respContentPart{{Type: "output_text", Text: item.buf.String(), Annotations: []any{}}})
		return respItem{
			Type:    "message",
			ID:      item.itemID,
			Role:    RoleAssistant,
			Status:  "completed",
			Content: content,
		}
	}
}

func (b *respStreamBuilder) skeleton(status string, details *respIncomplete, usage *respUsage) *respResponse {
	output := make([]respItem, len(b.done))
	copy(output, b.done)
	return &respResponse{
		ID:                b.id,
		Object:            "response",
		CreatedAt:         b.createdAt,
		Status:            status,
		Model:             b.model,
		Output:            output,
		IncompleteDetails: details,
		Usage:             usage,
	}
}

func (b *respStreamBuilder) frame(name string, ev respStreamEvent) ([]Frame, error) {
	ev.Type = name
	ev.SequenceNumber = b.seq
	b.seq++
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("translate: build responses stream event: %w", err)
	}
	return []Frame{{Name: name, Data: data}}, nil
}

func intp(v int) *int { return &v }
