package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/router-for-me/ModelProxyAPI/internal/settings"
)

// maxErrorBodyBytes caps how much of an upstream error body is buffered.
const maxErrorBodyBytes = 1 << 20

// client returns the shared upstream client for a channel's egress proxy.
// A channel without its own proxy uses the global one. Clients carry no
// overall timeout; non-streaming deadlines come from the request context and
// streaming calls are bounded only by the response header timeout.
func (e *Engine) client(cfg *provider.ChannelSettings) *http.Client {
	proxy := ""
	if cfg != nil {
		proxy = cfg.ProxyURL
	}
	if proxy == "" {
		proxy = settings.String(settings.ProxyURLKey, "")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[proxy]; ok {
		return c
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			log.WithError(err).WithField("proxy_url", proxy).Warn("engine: unusable egress proxy, connecting directly")
		} else {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	c := &http.Client{Transport: transport}
	e.clients[proxy] = c
	return c
}

// UpstreamClient exposes the proxy-aware client cache to callers that reach
// providers outside the dispatch loop, such as the OAuth and usage handlers.
func (e *Engine) UpstreamClient(cfg *provider.ChannelSettings) *http.Client {
	return e.client(cfg)
}

// do performs one upstream roundtrip. A nil failure means a usable response:
// for streaming calls the body is handed off unread and must be closed by
// the relay, otherwise it is buffered and closed here.
func (e *Engine) do(ctx context.Context, client *http.Client, req *provider.Request, stream bool) (*provider.Response, *provider.Failure) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, transportFailure(provider.TransportOther, err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if readErr != nil {
			log.WithError(readErr).Debug("engine: truncated upstream error body")
		}
		return nil, &provider.Failure{HTTP: &provider.HTTPFailure{
			Status:  resp.StatusCode,
			Headers: resp.Header,
			Body:    errBody,
		}}
	}
	if stream {
		return &provider.Response{Status: resp.StatusCode, Header: resp.Header, Stream: resp.Body}, nil
	}
	defer resp.Body.Close()
	full, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFailure(provider.TransportRead, err)
	}
	return &provider.Response{Status: resp.StatusCode, Header: resp.Header, Body: full}, nil
}

func transportFailure(kind provider.TransportErrorKind, err error) *provider.Failure {
	return &provider.Failure{Transport: &provider.TransportFailure{Kind: kind, Message: err.Error()}}
}

// classifyTransport buckets a connection-level error for cooldown and
// reporting decisions.
func classifyTransport(err error) *provider.Failure {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return transportFailure(provider.TransportDNS, err)
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return transportFailure(provider.TransportTLS, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transportFailure(provider.TransportTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transportFailure(provider.TransportTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return transportFailure(provider.TransportConnect, err)
	}
	return transportFailure(provider.TransportOther, err)
}
