package usage

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

var doneMarker = []byte("[DONE]")

// Accumulator folds streamed SSE data payloads into one set of counters.
// Later events override earlier ones per field, so a Claude message_delta
// updates output_tokens without erasing what message_start reported. Output
// text is collected alongside for the fallback count when a stream ends
// without ever reporting usage.
type Accumulator struct {
	kind Kind
	p    partial
	seen bool
	text strings.Builder
}

func NewAccumulator(kind Kind) *Accumulator {
	return &Accumulator{kind: kind}
}

// Push folds one SSE data payload in. Blank payloads and [DONE] markers are
// skipped; Gemini payloads that arrive as arrays fan out so the last
// element's counters win.
func (a *Accumulator) Push(data []byte) {
	if a == nil || a.kind == KindNone {
		return
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, doneMarker) {
		return
	}
	if a.kind == KindGemini {
		if parsed := gjson.ParseBytes(trimmed); parsed.IsArray() {
			for _, item := range parsed.Array() {
				a.pushEvent([]byte(item.Raw))
			}
			return
		}
	}
	a.pushEvent(trimmed)
}

func (a *Accumulator) pushEvent(data []byte) {
	if p, ok := extractEvent(a.kind, data); ok {
		a.p.merge(p)
		a.seen = true
	}
	a.collectText(data)
}

// collectText gathers the generated text per dialect so a silent stream can
// still be accounted for.
func (a *Accumulator) collectText(data []byte) {
	switch a.kind {
	case KindClaude:
		if gjson.GetBytes(data, "type").String() == "content_block_delta" {
			if t := gjson.GetBytes(data, "delta.text"); t.Type == gjson.String {
				a.text.WriteString(t.String())
			}
		}
	case KindOpenAIChat:
		if t := gjson.GetBytes(data, "choices.0.delta.content"); t.Type == gjson.String {
			a.text.WriteString(t.String())
		}
	case KindOpenAIResponses:
		if gjson.GetBytes(data, "type").String() == "response.output_text.delta" {
			if t := gjson.GetBytes(data, "delta"); t.Type == gjson.String {
				a.text.WriteString(t.String())
			}
		}
	case KindGemini:
		gjson.GetBytes(data, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Type == gjson.String {
				a.text.WriteString(t.String())
			}
			return true
		})
	}
}

// Counters returns the merged counters and whether any event reported usage.
func (a *Accumulator) Counters() (Counters, bool) {
	if a == nil || !a.seen {
		return Counters{}, false
	}
	return a.p.resolve(), true
}

// OutputText returns the text generated so far.
func (a *Accumulator) OutputText() string {
	if a == nil {
		return ""
	}
	return a.text.String()
}

// Finalize resolves the counters, counting the accumulated output text
// locally when the stream never reported usage. A silent stream with no
// text yields zeros.
func (a *Accumulator) Finalize(model string) Counters {
	if c, ok := a.Counters(); ok {
		return c
	}
	text := a.OutputText()
	if text == "" {
		return Counters{}
	}
	n, err := provider.CountTextTokens(model, text)
	if err != nil {
		return Counters{}
	}
	return Counters{OutputTokens: n, TotalTokens: n}
}
