package custom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// A mask path is a list of segments walked from the body root. Wildcard fans
// out over object values and array items; key and index select one child and
// match nothing on the wrong container type.
type segmentKind int

const (
	segKey segmentKind = iota
	segIndex
	segWildcard
)

type maskSegment struct {
	kind  segmentKind
	key   string
	index int
}

// maskBody nulls every value the declared paths address. The body is decoded
// with json.Number so untouched numbers survive re-encoding verbatim.
func maskBody(body []byte, table []string) ([]byte, error) {
	paths, err := parseMaskPaths(table)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return body, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("custom: decode body for masking: %w", err)
	}
	for _, path := range paths {
		value = maskValue(value, path)
	}
	out, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("custom: encode masked body: %w", err)
	}
	return out, nil
}

// parseMaskPaths compiles the declared table. Blank lines and lines starting
// with # are skipped; a malformed line fails the whole request rather than
// silently forwarding a field the operator meant to hide.
func parseMaskPaths(table []string) ([][]maskSegment, error) {
	var out [][]maskSegment
	for _, raw := range table {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		path, err := parseMaskPath(line)
		if err != nil {
			return nil, fmt.Errorf("custom: invalid json_param_mask entry %q: %w", line, err)
		}
		out = append(out, path)
	}
	return out, nil
}

// parseMaskPath accepts JSON Pointer paths (leading slash, ~0/~1 escapes)
// and dot-bracket paths (a.b, a[0], a['k'], a[*]).
func parseMaskPath(line string) ([]maskSegment, error) {
	if strings.HasPrefix(line, "/") {
		return parsePointerPath(line)
	}
	return parseDotBracketPath(line)
}

func parsePointerPath(line string) ([]maskSegment, error) {
	var segments []maskSegment
	for _, token := range strings.Split(line, "/")[1:] {
		if token == "" {
			return nil, errors.New("empty pointer segment")
		}
		decoded := strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		seg, err := parseSegment(decoded)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return nil, errors.New("empty path")
	}
	return segments, nil
}

func parseDotBracketPath(line string) ([]maskSegment, error) {
	runes := []rune(line)
	var segments []maskSegment
	var current strings.Builder
	i := 0
	for i < len(runes) {
		switch runes[i] {
		case '.':
			if current.Len() == 0 {
				return nil, errors.New("empty segment")
			}
			seg, err := parseSegment(current.String())
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			current.Reset()
			if i+1 >= len(runes) {
				return nil, errors.New("trailing dot")
			}
			i++

		case '[':
			if current.Len() > 0 {
				seg, err := parseSegment(current.String())
				if err != nil {
					return nil, err
				}
				segments = append(segments, seg)
				current.Reset()
			}
			i++
			start := i
			for i < len(runes) && runes[i] != ']' {
				i++
			}
			if i >= len(runes) {
				return nil, errors.New("missing closing ]")
			}
			inner := strings.TrimSpace(string(runes[start:i]))
			if inner == "" {
				return nil, errors.New("empty bracket segment")
			}
			token := inner
			if len(inner) >= 2 &&
				((inner[0] == '\'' && inner[len(inner)-1] == '\'') ||
					(inner[0] == '"' && inner[len(inner)-1] == '"')) {
				token = inner[1 : len(inner)-1]
			}
			if token == "" {
				return nil, errors.New("empty bracket segment")
			}
			seg, err := parseSegment(token)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			i++
			// A dot may separate the bracket from the next segment.
			if i < len(runes) && runes[i] == '.' {
				if i+1 >= len(runes) {
					return nil, errors.New("trailing dot")
				}
				i++
			}

		case ']':
			return nil, errors.New("unexpected ]")

		default:
			current.WriteRune(runes[i])
			i++
		}
	}
	if current.Len() > 0 {
		seg, err := parseSegment(current.String())
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return nil, errors.New("empty path")
	}
	return segments, nil
}

func parseSegment(token string) (maskSegment, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return maskSegment{}, errors.New("empty segment")
	}
	if token == "*" {
		return maskSegment{kind: segWildcard}, nil
	}
	if n, err := strconv.Atoi(token); err == nil && n >= 0 {
		return maskSegment{kind: segIndex, index: n}, nil
	}
	return maskSegment{kind: segKey, key: token}, nil
}

// maskValue walks one path and returns the value with every match nulled.
// Missing keys, out-of-range indexes and container type mismatches match
// nothing.
func maskValue(value any, path []maskSegment) any {
	if len(path) == 0 {
		return nil
	}
	switch seg := path[0]; seg.kind {
	case segWildcard:
		switch v := value.(type) {
		case map[string]any:
			for k, child := range v {
				v[k] = maskValue(child, path[1:])
			}
		case []any:
			for i, child := range v {
				v[i] = maskValue(child, path[1:])
			}
		}
	case segKey:
		if v, ok := value.(map[string]any); ok {
			if child, ok := v[seg.key]; ok {
				v[seg.key] = maskValue(child, path[1:])
			}
		}
	case segIndex:
		if v, ok := value.([]any); ok && seg.index < len(v) {
			v[seg.index] = maskValue(v[seg.index], path[1:])
		}
	}
	return value
}
