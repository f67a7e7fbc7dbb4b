package provider

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecMu    sync.Mutex
	codecCache = map[string]tokenizer.Codec{}
)

func codecForModel(model string) (tokenizer.Codec, error) {
	codecMu.Lock()
	defer codecMu.Unlock()
	if c, ok := codecCache[model]; ok {
		return c, nil
	}
	c, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		if c, err = tokenizer.Get(tokenizer.O200kBase); err != nil {
			return nil, fmt.Errorf("provider: load tokenizer: %w", err)
		}
	}
	codecCache[model] = c
	return c, nil
}

// CountTextTokens counts text with the model's BPE, falling back to
// o200k_base for models tiktoken does not know.
func CountTextTokens(model, text string) (int64, error) {
	c, err := codecForModel(model)
	if err != nil {
		return 0, err
	}
	n, err := c.Count(text)
	if err != nil {
		return 0, fmt.Errorf("provider: count tokens: %w", err)
	}
	return int64(n), nil
}

// EstimateTokens is the four-characters-per-token heuristic used where no
// tokenizer applies.
func EstimateTokens(text string) int64 {
	chars := int64(utf8.RuneCountInString(text))
	return (chars + 3) / 4
}

// CountBodyTokens counts the serialized request body with the model's BPE,
// dropping the model field first. Upstreams without a counting endpoint get
// this as their closest local stand-in.
func CountBodyTokens(model string, body []byte) (int64, error) {
	trimmed, err := sjson.DeleteBytes(body, "model")
	if err != nil {
		trimmed = body
	}
	return CountTextTokens(model, string(trimmed))
}

// CountInputTokens tallies an OpenAI input-token-count body locally: the
// instructions field plus every text part reachable from input. The count
// uses the body's model when tiktoken knows it.
func CountInputTokens(body []byte) (int64, error) {
	model := gjson.GetBytes(body, "model").String()
	var total int64

	if instructions := gjson.GetBytes(body, "instructions"); instructions.Type == gjson.String {
		n, err := CountTextTokens(model, instructions.String())
		if err != nil {
			return 0, err
		}
		total += n
	}

	input := gjson.GetBytes(body, "input")
	switch {
	case input.Type == gjson.String:
		n, err := CountTextTokens(model, input.String())
		if err != nil {
			return 0, err
		}
		total += n
	case input.IsArray():
		var text string
		for _, item := range input.Array() {
			text += inputItemText(item)
		}
		n, err := CountTextTokens(model, text)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// inputItemText flattens the text carried by one Responses input item:
// string content, typed content parts, tool arguments and tool outputs.
func inputItemText(item gjson.Result) string {
	var text string
	if content := item.Get("content"); content.Type == gjson.String {
		text += content.String()
	} else if content.IsArray() {
		for _, part := range content.Array() {
			if v := part.Get("text"); v.Type == gjson.String {
				text += v.String()
			}
		}
	}
	if v := item.Get("arguments"); v.Type == gjson.String {
		text += v.String()
	}
	if v := item.Get("output"); v.Type == gjson.String {
		text += v.String()
	}
	return text
}
