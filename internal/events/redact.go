package events

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
)

// maxLogBodyBytes caps captured bodies so one oversized payload cannot
// dominate the trace tables.
const maxLogBodyBytes = 50 * 1024 * 1024

const mask = "***"

// redactedHeaders lists headers whose values never reach trace records.
var redactedHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"x-goog-api-key": true,
	"cookie":         true,
	"set-cookie":     true,
}

// redactedQueryParams lists query parameters masked before persistence.
var redactedQueryParams = map[string]bool{
	"key":           true,
	"api_key":       true,
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
	"session_key":   true,
	"code":          true,
}

// RedactHeaders flattens headers into a JSON object keyed by lowercase
// name, masking sensitive values when redact is set. Multi-valued headers
// join with ", ".
func RedactHeaders(h http.Header, redact bool) datatypes.JSON {
	if len(h) == 0 {
		return nil
	}
	flat := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if redact && redactedHeaders[key] {
			flat[key] = mask
			continue
		}
		flat[key] = strings.Join(values, ", ")
	}
	out, err := sonic.Marshal(flat)
	if err != nil {
		return nil
	}
	return datatypes.JSON(out)
}

// RedactQuery masks sensitive parameter values of a raw query string when
// redact is set. Unparseable input passes through unchanged.
func RedactQuery(rawQuery string, redact bool) string {
	if rawQuery == "" || !redact {
		return rawQuery
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	changed := false
	for name, vals := range values {
		if !redactedQueryParams[strings.ToLower(name)] {
			continue
		}
		for i := range vals {
			vals[i] = mask
		}
		changed = true
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}

// RedactURL masks sensitive query parameters of an upstream URL.
func RedactURL(raw string, redact bool) string {
	if raw == "" || !redact {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	u.RawQuery = RedactQuery(u.RawQuery, redact)
	return u.String()
}

// CaptureBody returns the persistable form of a body: empty under
// redaction, truncated at the capture cap otherwise.
func CaptureBody(body []byte, redact bool) string {
	if redact || len(body) == 0 {
		return ""
	}
	if len(body) > maxLogBodyBytes {
		body = body[:maxLogBodyBytes]
	}
	return string(body)
}
