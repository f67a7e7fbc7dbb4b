package sse

import (
	"encoding/json"
	"fmt"
	"io"
)

// ArrayReader yields the elements of a streamed JSON array, the framing
// Gemini uses for streamGenerateContent without alt=sse.
type ArrayReader struct {
	dec     *json.Decoder
	started bool
}

// NewArrayReader wraps an upstream body.
func NewArrayReader(r io.Reader) *ArrayReader {
	return &ArrayReader{dec: json.NewDecoder(r)}
}

// Next returns the next array element, or io.EOF after the closing bracket.
func (r *ArrayReader) Next() (json.RawMessage, error) {
	if !r.started {
		tok, errTok := r.dec.Token()
		if errTok != nil {
			return nil, errTok
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, fmt.Errorf("sse: stream is not a JSON array, starts with %v", tok)
		}
		r.started = true
	}
	if !r.dec.More() {
		// Consume the closing bracket so a reused decoder does not trip on it.
		if _, errTok := r.dec.Token(); errTok != nil && errTok != io.EOF {
			return nil, errTok
		}
		return nil, io.EOF
	}
	var raw json.RawMessage
	if errDecode := r.dec.Decode(&raw); errDecode != nil {
		return nil, errDecode
	}
	return raw, nil
}
