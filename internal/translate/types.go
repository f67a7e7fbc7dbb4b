// Package translate converts chat requests, responses and stream events
// between the four supported wire dialects. Every conversion crosses a
// neutral form, so each dialect only knows how to parse and build itself.
package translate

import (
	"encoding/json"
	"fmt"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// Role values of the neutral form.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// BlockType discriminates neutral content blocks.
type BlockType string

// Neutral block types.
const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one neutral content block.
type Block struct {
	Type BlockType

	Text string // BlockText and BlockThinking payload

	ToolID    string          // BlockToolUse / BlockToolResult correlation id
	ToolName  string          // BlockToolUse function name
	ToolInput json.RawMessage // BlockToolUse arguments object

	ToolResult json.RawMessage // BlockToolResult payload
	IsError    bool            // BlockToolResult error flag
}

// Message is one neutral conversation turn.
type Message struct {
	Role   string
	Blocks []Block
}

// Tool is one neutral function declaration.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema object
}

// Tool choice modes of the neutral form.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceAny  = "any"
	ToolChoiceNone = "none"
	ToolChoiceTool = "tool"
)

// ToolChoice is the neutral tool-choice constraint.
type ToolChoice struct {
	Mode string
	Name string // set when Mode == ToolChoiceTool
}

// Request is the dialect-independent generate request.
type Request struct {
	Model         string
	System        string
	Messages      []Message
	Tools         []Tool
	ToolChoice    *ToolChoice
	MaxTokens     int64
	Temperature   *float64
	TopP          *float64
	StopSequences []string
	Stream        bool
}

// Stop reasons of the neutral form.
const (
	StopEnd           = "end"
	StopMaxTokens     = "max_tokens"
	StopToolUse       = "tool_use"
	StopSequenceHit   = "stop_sequence"
	StopContentFilter = "content_filter"
)

// Usage is the neutral token accounting. Pointers distinguish "absent" from
// zero so later stream events can override earlier ones field-wise.
type Usage struct {
	InputTokens         *int64 `json:"input_tokens,omitempty"`
	OutputTokens        *int64 `json:"output_tokens,omitempty"`
	CacheReadTokens     *int64 `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens *int64 `json:"cache_creation_tokens,omitempty"`
}

// Merge folds a newer partial usage into u, keeping present fields.
func (u *Usage) Merge(in *Usage) {
	if in == nil {
		return
	}
	if in.InputTokens != nil {
		u.InputTokens = in.InputTokens
	}
	if in.OutputTokens != nil {
		u.OutputTokens = in.OutputTokens
	}
	if in.CacheReadTokens != nil {
		u.CacheReadTokens = in.CacheReadTokens
	}
	if in.CacheCreationTokens != nil {
		u.CacheCreationTokens = in.CacheCreationTokens
	}
}

// Empty reports whether no counter was ever observed.
func (u *Usage) Empty() bool {
	return u == nil || (u.InputTokens == nil && u.OutputTokens == nil &&
		u.CacheReadTokens == nil && u.CacheCreationTokens == nil)
}

// Int64 returns a pointer for literal counters.
func Int64(v int64) *int64 { return &v }

// Response is the dialect-independent generate response.
type Response struct {
	ID         string
	Model      string
	Blocks     []Block
	StopReason string
	Usage      *Usage
}

// StreamEventType discriminates neutral stream events.
type StreamEventType string

// Neutral stream event types. A well-formed stream is Start, then per block
// BlockStart/deltas/BlockStop, then Finish.
const (
	EventStart      StreamEventType = "start"
	EventBlockStart StreamEventType = "block_start"
	EventTextDelta  StreamEventType = "text_delta"
	EventThinking   StreamEventType = "thinking_delta"
	EventArgsDelta  StreamEventType = "args_delta"
	EventBlockStop  StreamEventType = "block_stop"
	EventFinish     StreamEventType = "finish"
	EventPing       StreamEventType = "ping"
)

// StreamEvent is one neutral streaming delta.
type StreamEvent struct {
	Type StreamEventType

	ID    string // EventStart message id
	Model string // EventStart model

	Index int    // block index for block-scoped events
	Block *Block // EventBlockStart descriptor (tool id/name for tool blocks)

	Delta string // EventTextDelta / EventThinking / EventArgsDelta payload

	StopReason string // EventFinish
	Usage      *Usage // EventStart and EventFinish may carry counters
}

// Frame is one downstream stream frame ready for the SSE writer. JSON-array
// framed dialects ignore Name.
type Frame struct {
	Name string
	Data []byte
}

// Codec parses and builds one dialect.
type Codec interface {
	Proto() protocol.Proto
	ParseRequest(body []byte) (*Request, error)
	BuildRequest(req *Request) ([]byte, error)
	ParseResponse(body []byte) (*Response, error)
	BuildResponse(resp *Response) ([]byte, error)
	// NewStreamParser decodes upstream frames into neutral events.
	NewStreamParser() StreamParser
	// NewStreamBuilder renders neutral events as downstream frames.
	NewStreamBuilder() StreamBuilder
}

// StreamParser feeds on upstream frames. Data-only framings pass an empty
// name. Terminator frames ([DONE]) yield no events. Finish runs once after
// the last frame and flushes anything the dialect delivers out of order,
// such as a usage chunk trailing the finish reason; a started stream that
// never announced a finish gets a synthesized one here.
type StreamParser interface {
	Parse(name string, data []byte) ([]StreamEvent, error)
	Finish() ([]StreamEvent, error)
}

// StreamBuilder renders neutral events. Finish closes bookkeeping state and
// emits any terminal frames except the transport-level [DONE] marker, which
// the relay owns.
type StreamBuilder interface {
	Build(ev StreamEvent) ([]Frame, error)
}

// ForProto returns the codec of a dialect.
func ForProto(proto protocol.Proto) (Codec, error) {
	switch proto {
	case protocol.ProtoClaude:
		return claudeCodec{}, nil
	case protocol.ProtoOpenAIChat:
		return openaiChatCodec{}, nil
	case protocol.ProtoOpenAIResponse:
		return openaiResponseCodec{}, nil
	case protocol.ProtoGemini:
		return geminiCodec{}, nil
	}
	return nil, fmt.Errorf("translate: no codec for proto %q", proto)
}
