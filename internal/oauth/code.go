package oauth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

// ExtractCode pulls the authorization code off a manual-mode callback. An
// explicit code parameter wins; otherwise the full redirected URL in
// callback_url is parsed. A state embedded in the redirect must match the
// pending flow. Codes are cut at '#' and '&' because browser address bars
// paste fragments along with them.
func ExtractCode(q url.Values, pending *provider.PendingFlow) (string, error) {
	if code := strings.TrimSpace(q.Get("code")); code != "" {
		return cleanCode(code), nil
	}

	rawURL := strings.TrimSpace(q.Get("callback_url"))
	if rawURL == "" {
		return "", protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest,
			"callback requires code or callback_url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest,
			"callback_url is not a valid URL")
	}
	values := parsed.Query()
	code := strings.TrimSpace(values.Get("code"))
	if code == "" {
		return "", protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest,
			"callback_url carries no code")
	}
	if state := strings.TrimSpace(values.Get("state")); state != "" && pending != nil && state != pending.State {
		return "", protocol.NewStatusError(http.StatusBadRequest, protocol.KindStateMismatch,
			"callback state does not match the pending flow")
	}
	return cleanCode(code), nil
}

func cleanCode(code string) string {
	if i := strings.IndexAny(code, "#&"); i >= 0 {
		code = code[:i]
	}
	return code
}

// StateHint pulls the state candidate used to resolve the pending flow: the
// explicit parameter when present, else one embedded in callback_url.
func StateHint(q url.Values) string {
	if state := strings.TrimSpace(q.Get("state")); state != "" {
		return state
	}
	rawURL := strings.TrimSpace(q.Get("callback_url"))
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.Query().Get("state"))
}
