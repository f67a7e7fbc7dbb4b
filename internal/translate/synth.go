package translate

import (
	"encoding/json"
	"strings"
)

// Collector folds a neutral event stream back into the complete response a
// unary call would have returned. It powers the call-shape bridge for
// providers that only speak streaming: the gateway consumes their stream and
// answers the downstream caller with one body.
type Collector struct {
	resp  Response
	pos   map[int]int // stream block index -> position in resp.Blocks
	args  map[int]*strings.Builder
	usage Usage
}

func NewCollector() *Collector {
	return &Collector{pos: make(map[int]int), args: make(map[int]*strings.Builder)}
}

// Add folds one neutral event in. Events may arrive without a preceding
// BlockStart; the block is opened implicitly with the type the delta implies.
func (c *Collector) Add(ev StreamEvent) {
	switch ev.Type {
	case EventStart:
		if ev.ID != "" {
			c.resp.ID = ev.ID
		}
		if ev.Model != "" {
			c.resp.Model = ev.Model
		}
		c.usage.Merge(ev.Usage)
	case EventBlockStart:
		b := Block{Type: BlockText}
		if ev.Block != nil {
			b = *ev.Block
		}
		c.pos[ev.Index] = len(c.resp.Blocks)
		c.resp.Blocks = append(c.resp.Blocks, b)
	case EventTextDelta:
		c.block(ev.Index, BlockText).Text += ev.Delta
	case EventThinking:
		c.block(ev.Index, BlockThinking).Text += ev.Delta
	case EventArgsDelta:
		c.block(ev.Index, BlockToolUse)
		sb := c.args[ev.Index]
		if sb == nil {
			sb = &strings.Builder{}
			c.args[ev.Index] = sb
		}
		sb.WriteString(ev.Delta)
	case EventFinish:
		if ev.StopReason != "" {
			c.resp.StopReason = ev.StopReason
		}
		c.usage.Merge(ev.Usage)
	}
}

func (c *Collector) block(index int, bt BlockType) *Block {
	if at, ok := c.pos[index]; ok {
		return &c.resp.Blocks[at]
	}
	c.pos[index] = len(c.resp.Blocks)
	c.resp.Blocks = append(c.resp.Blocks, Block{Type: bt})
	return &c.resp.Blocks[len(c.resp.Blocks)-1]
}

// Response returns the accumulated response. Tool argument fragments are
// joined here; a tool block whose arguments never arrived gets an empty
// object so builders do not emit invalid JSON.
func (c *Collector) Response() *Response {
	for index, sb := range c.args {
		at, ok := c.pos[index]
		if !ok {
			continue
		}
		raw := strings.TrimSpace(sb.String())
		if raw == "" {
			raw = "{}"
		}
		c.resp.Blocks[at].ToolInput = json.RawMessage(raw)
	}
	for i := range c.resp.Blocks {
		if c.resp.Blocks[i].Type == BlockToolUse && len(c.resp.Blocks[i].ToolInput) == 0 {
			c.resp.Blocks[i].ToolInput = json.RawMessage(`{}`)
		}
	}
	if c.resp.StopReason == "" {
		c.resp.StopReason = StopEnd
	}
	if !c.usage.Empty() {
		u := c.usage
		c.resp.Usage = &u
	}
	return &c.resp
}

// Explode renders a complete response as the event sequence a stream of it
// would have produced: Start, one BlockStart/delta/BlockStop group per
// block, then Finish. It is the reverse bridge, synthesizing a stream for
// downstream callers when the provider only answered unary.
func Explode(resp *Response) []StreamEvent {
	evs := make([]StreamEvent, 0, len(resp.Blocks)*3+2)
	evs = append(evs, StreamEvent{Type: EventStart, ID: resp.ID, Model: resp.Model})
	for i, b := range resp.Blocks {
		switch b.Type {
		case BlockThinking:
			evs = append(evs,
				StreamEvent{Type: EventBlockStart, Index: i, Block: &Block{Type: BlockThinking}},
				StreamEvent{Type: EventThinking, Index: i, Delta: b.Text})
		case BlockToolUse:
			evs = append(evs, StreamEvent{
				Type:  EventBlockStart,
				Index: i,
				Block: &Block{Type: BlockToolUse, ToolID: b.ToolID, ToolName: b.ToolName},
			})
			if len(b.ToolInput) > 0 {
				evs = append(evs, StreamEvent{Type: EventArgsDelta, Index: i, Delta: string(b.ToolInput)})
			}
		default:
			evs = append(evs,
				StreamEvent{Type: EventBlockStart, Index: i, Block: &Block{Type: BlockText}},
				StreamEvent{Type: EventTextDelta, Index: i, Delta: b.Text})
		}
		evs = append(evs, StreamEvent{Type: EventBlockStop, Index: i})
	}
	stop := resp.StopReason
	if stop == "" {
		stop = StopEnd
	}
	evs = append(evs, StreamEvent{Type: EventFinish, StopReason: stop, Usage: resp.Usage})
	return evs
}
