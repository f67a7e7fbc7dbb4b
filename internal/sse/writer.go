package sse

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HeartbeatInterval is the idle gap after which a keep-alive comment is
// emitted so intermediaries do not drop the connection.
const HeartbeatInterval = 15 * time.Second

// Writer emits server-sent events downstream, flushing after every frame.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares a response for event streaming and sends the headers.
func NewWriter(w http.ResponseWriter, status int) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// NewRawWriter wraps a response whose headers were already written, for
// passthrough relays that keep the upstream framing byte-exact.
func NewRawWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// WriteEvent emits one frame. A blank name writes a data-only frame.
func (w *Writer) WriteEvent(name string, data []byte) error {
	if name != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(string(data), "\n") {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(w.w, "\n"); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteDone emits the OpenAI stream terminator.
func (w *Writer) WriteDone() error {
	return w.WriteEvent("", []byte(DoneMarker))
}

// WriteHeartbeat emits a comment frame that every SSE consumer ignores.
func (w *Writer) WriteHeartbeat() error {
	if _, err := fmt.Fprint(w.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteRaw forwards upstream bytes unchanged.
func (w *Writer) WriteRaw(chunk []byte) error {
	if _, err := w.w.Write(chunk); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// hop-by-hop headers never copied between upstream and downstream, plus
// lengths and encodings invalidated by re-framing.
var skippedHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
	"Content-Encoding":    {},
}

// CopyHeaders relays end-to-end headers from an upstream response.
func CopyHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if _, skip := skippedHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
