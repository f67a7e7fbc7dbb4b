package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// DoneMarker terminates OpenAI-style data-only streams.
const DoneMarker = "[DONE]"

// Event is one parsed server-sent event. Name is empty for data-only frames.
type Event struct {
	Name string
	Data []byte
}

// Done reports whether the event is the OpenAI [DONE] terminator.
func (e *Event) Done() bool {
	return strings.TrimSpace(string(e.Data)) == DoneMarker
}

// Reader parses server-sent events off a byte stream. It tolerates CRLF
// line endings, comment lines and multi-line data fields.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps an upstream body.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF at end of stream. A trailing event
// without a closing blank line is still delivered before EOF.
func (r *Reader) Next() (*Event, error) {
	ev := &Event{}
	var data [][]byte
	seen := false
	for {
		line, errRead := r.r.ReadString('\n')
		if errRead != nil && errRead != io.EOF {
			return nil, errRead
		}
		atEOF := errRead == io.EOF
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if seen {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			if atEOF {
				return nil, io.EOF
			}
		case strings.HasPrefix(line, ":"):
			// Comment, e.g. a keep-alive ping.
		default:
			field, value := splitField(line)
			switch field {
			case "event":
				ev.Name = value
				seen = true
			case "data":
				data = append(data, []byte(value))
				seen = true
			}
		}
		if atEOF {
			if seen {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			return nil, io.EOF
		}
	}
}

func splitField(line string) (string, string) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return line, ""
	}
	field := line[:idx]
	value := line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
