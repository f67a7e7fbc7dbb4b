package provider

import (
	"net/http"
	"net/url"
	"strings"
)

// ResolveBase returns the channel base URL override when set, else the kind
// default. Trailing slashes are trimmed so path joining stays predictable.
func ResolveBase(settings *ChannelSettings, def string) string {
	if settings != nil {
		if base := strings.TrimSpace(settings.BaseURL); base != "" {
			return strings.TrimRight(base, "/")
		}
	}
	return strings.TrimRight(def, "/")
}

// JoinURL joins a base and a path. When the base already ends with the
// path's leading segment (a reverse proxy configured as https://host/v1),
// the duplicate segment is dropped instead of doubled.
func JoinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	path = "/" + strings.TrimLeft(path, "/")
	if i := strings.Index(path[1:], "/"); i > 0 {
		if first := path[:i+1]; strings.HasSuffix(base, first) {
			path = path[i+1:]
		}
	}
	return base + path
}

// WithQuery appends encoded query parameters to a URL that may already
// carry some.
func WithQuery(rawURL string, q url.Values) string {
	if len(q) == 0 {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + q.Encode()
}

// NewRequest assembles the rendered call: forwardable downstream headers
// first, channel extra headers second so admin overrides win, then a JSON
// content type when a body travels. Auth headers are the caller's job.
func NewRequest(method, rawURL string, call *Call) *Request {
	h := make(http.Header, len(call.Header)+4)
	for name, values := range call.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	if call.Settings != nil {
		for name, v := range call.Settings.ExtraHeaders {
			h.Set(name, v)
		}
	}
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	if len(call.Body) > 0 && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	return &Request{Method: method, URL: rawURL, Header: h, Body: call.Body}
}

// JSONResponse wraps a locally produced JSON body in the Response shape the
// engine expects from an upstream.
func JSONResponse(status int, body []byte) *Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: body}
}
