// Package usage extracts token counters from upstream responses and
// persists the accounting rows off the request path. Each upstream dialect
// reports counters in its own location and vocabulary; everything is
// normalized to one row shape here so rollups never care which provider
// served the attempt.
package usage

import (
	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// Kind selects the counter locations of one upstream response dialect.
type Kind int

const (
	KindNone Kind = iota
	KindClaude
	KindGemini
	KindOpenAIChat
	KindOpenAIResponses
)

// KindForOp maps a dispatched upstream operation to the dialect whose
// counters its response carries. Only generation produces usage rows.
func KindForOp(op protocol.Operation) Kind {
	switch op {
	case protocol.OpClaudeGenerate, protocol.OpClaudeGenerateStream:
		return KindClaude
	case protocol.OpGeminiGenerate, protocol.OpGeminiGenerateStream:
		return KindGemini
	case protocol.OpOpenAIChatGenerate, protocol.OpOpenAIChatGenerateStream:
		return KindOpenAIChat
	case protocol.OpOpenAIResponseGenerate, protocol.OpOpenAIResponseGenerateStream:
		return KindOpenAIResponses
	}
	return KindNone
}

// Counters is the normalized token accounting for one upstream attempt.
type Counters struct {
	InputTokens              int64
	OutputTokens             int64
	CacheReadInputTokens     int64
	CacheCreationInputTokens int64
	TotalTokens              int64
}

// partial carries the counters one body or stream event reported. Nil means
// the field was absent, so merging never erases a value an earlier event
// carried.
type partial struct {
	input         *int64
	output        *int64
	cacheRead     *int64
	cacheCreation *int64
	total         *int64
}

func (p *partial) merge(next partial) {
	if next.input != nil {
		p.input = next.input
	}
	if next.output != nil {
		p.output = next.output
	}
	if next.cacheRead != nil {
		p.cacheRead = next.cacheRead
	}
	if next.cacheCreation != nil {
		p.cacheCreation = next.cacheCreation
	}
	if next.total != nil {
		p.total = next.total
	}
}

func (p partial) resolve() Counters {
	c := Counters{
		InputTokens:              deref(p.input),
		OutputTokens:             deref(p.output),
		CacheReadInputTokens:     deref(p.cacheRead),
		CacheCreationInputTokens: deref(p.cacheCreation),
	}
	if p.total != nil {
		c.TotalTokens = *p.total
	} else {
		c.TotalTokens = c.InputTokens + c.OutputTokens
	}
	return c
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// FromBody reads the counters a non-stream response carries. ok is false
// when the body holds no usage block in any shape the dialect can produce.
func FromBody(kind Kind, body []byte) (Counters, bool) {
	p, ok := extractBody(kind, body)
	if !ok {
		return Counters{}, false
	}
	return p.resolve(), true
}

// extractBody tries the dialect's own shape first, then the shapes
// upstreams are known to answer with when a provider serves a converted
// dialect natively.
func extractBody(kind Kind, body []byte) (partial, bool) {
	switch kind {
	case KindClaude:
		if p, ok := claudeUsageIn(body); ok {
			return p, true
		}
		return geminiUsageIn(body)
	case KindGemini:
		if p, ok := geminiUsageIn(body); ok {
			return p, true
		}
		return claudeUsageIn(body)
	case KindOpenAIChat:
		return chatUsageIn(body)
	case KindOpenAIResponses:
		if p, ok := responsesUsageIn(body); ok {
			return p, true
		}
		return claudeUsageIn(body)
	}
	return partial{}, false
}

// extractEvent reads one stream event in the dialect's own shape.
func extractEvent(kind Kind, data []byte) (partial, bool) {
	switch kind {
	case KindClaude:
		return claudeUsageIn(data)
	case KindGemini:
		return geminiUsageIn(data)
	case KindOpenAIChat:
		return chatUsageIn(data)
	case KindOpenAIResponses:
		return responsesUsageIn(data)
	}
	return partial{}, false
}

type claudeUsage struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
}

// claudeUsageIn reads Anthropic counters: a message body or message_delta
// carries them at usage, a message_start under message.usage, and a
// count_tokens response as a bare top-level input_tokens.
func claudeUsageIn(body []byte) (partial, bool) {
	raw := gjson.GetBytes(body, "usage")
	if !raw.IsObject() {
		raw = gjson.GetBytes(body, "message.usage")
	}
	if raw.IsObject() {
		var u claudeUsage
		if err := sonic.UnmarshalString(raw.Raw, &u); err == nil && (u.InputTokens != nil || u.OutputTokens != nil) {
			return partial{
				input:         u.InputTokens,
				output:        u.OutputTokens,
				cacheRead:     u.CacheReadInputTokens,
				cacheCreation: u.CacheCreationInputTokens,
			}, true
		}
	}
	if v := gjson.GetBytes(body, "input_tokens"); v.Type == gjson.Number {
		n := v.Int()
		return partial{input: &n, total: &n}, true
	}
	return partial{}, false
}

type geminiUsage struct {
	PromptTokenCount        *int64 `json:"promptTokenCount"`
	CandidatesTokenCount    *int64 `json:"candidatesTokenCount"`
	TotalTokenCount         *int64 `json:"totalTokenCount"`
	CachedContentTokenCount *int64 `json:"cachedContentTokenCount"`
}

func geminiUsageIn(body []byte) (partial, bool) {
	raw := gjson.GetBytes(body, "usageMetadata")
	if !raw.IsObject() {
		return partial{}, false
	}
	var u geminiUsage
	if err := sonic.UnmarshalString(raw.Raw, &u); err != nil {
		return partial{}, false
	}
	if u.PromptTokenCount == nil && u.CandidatesTokenCount == nil && u.TotalTokenCount == nil {
		return partial{}, false
	}
	return partial{
		input:     u.PromptTokenCount,
		output:    u.CandidatesTokenCount,
		cacheRead: u.CachedContentTokenCount,
		total:     u.TotalTokenCount,
	}, true
}

type chatUsage struct {
	PromptTokens        *int64 `json:"prompt_tokens"`
	CompletionTokens    *int64 `json:"completion_tokens"`
	TotalTokens         *int64 `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens *int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func chatUsageIn(body []byte) (partial, bool) {
	raw := gjson.GetBytes(body, "usage")
	if !raw.IsObject() {
		return partial{}, false
	}
	var u chatUsage
	if err := sonic.UnmarshalString(raw.Raw, &u); err != nil {
		return partial{}, false
	}
	if u.PromptTokens == nil && u.CompletionTokens == nil && u.TotalTokens == nil {
		return partial{}, false
	}
	return partial{
		input:     u.PromptTokens,
		output:    u.CompletionTokens,
		cacheRead: u.PromptTokensDetails.CachedTokens,
		total:     u.TotalTokens,
	}, true
}

type responsesUsage struct {
	InputTokens        *int64 `json:"input_tokens"`
	OutputTokens       *int64 `json:"output_tokens"`
	TotalTokens        *int64 `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens *int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

// responsesUsageIn reads Responses counters: stream events wrap the snapshot
// under response, a non-stream body carries usage directly.
func responsesUsageIn(body []byte) (partial, bool) {
	raw := gjson.GetBytes(body, "response.usage")
	if !raw.IsObject() {
		raw = gjson.GetBytes(body, "usage")
	}
	if !raw.IsObject() {
		return partial{}, false
	}
	var u responsesUsage
	if err := sonic.UnmarshalString(raw.Raw, &u); err != nil {
		return partial{}, false
	}
	if u.InputTokens == nil && u.OutputTokens == nil && u.TotalTokens == nil {
		return partial{}, false
	}
	return partial{
		input:     u.InputTokens,
		output:    u.OutputTokens,
		cacheRead: u.InputTokensDetails.CachedTokens,
		total:     u.TotalTokens,
	}, true
}
