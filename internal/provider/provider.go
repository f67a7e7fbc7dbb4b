package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
)

// ChannelSettings is the parsed channel_settings column. Built-in kinds use
// BaseURL, ProxyURL and ExtraHeaders; the rest configures custom providers.
type ChannelSettings struct {
	BaseURL      string            `json:"base_url,omitempty"`        // Upstream base URL override.
	ProxyURL     string            `json:"proxy_url,omitempty"`       // Per-provider egress proxy.
	ExtraHeaders map[string]string `json:"headers,omitempty"`         // Static headers added to every call.
	Location     string            `json:"location,omitempty"`        // Vertex: publisher endpoint region.
	Proto        protocol.Proto    `json:"proto,omitempty"`           // Custom: upstream dialect.
	CountTokens  string            `json:"count_tokens,omitempty"`    // Custom: upstream, estimate or tiktoken.
	JSONMask     []string          `json:"json_param_mask,omitempty"` // Custom: request fields nulled before forwarding.
	Dispatch     *DispatchConfig   `json:"dispatch,omitempty"`        // Custom: declared dispatch table.
	Models       []CustomModel     `json:"models,omitempty"`          // Custom: locally answered model table.
}

// DispatchConfig wraps a declared rule list.
type DispatchConfig struct {
	Ops []json.RawMessage `json:"ops"`
}

// CustomModel is one locally declared model row.
type CustomModel struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	OwnedBy     string `json:"owned_by,omitempty"`
}

// ParseChannelSettings decodes a channel_settings column; nil and empty
// payloads yield the zero settings.
func ParseChannelSettings(raw []byte) (*ChannelSettings, error) {
	cfg := &ChannelSettings{}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("provider: decode channel settings: %w", err)
	}
	return cfg, nil
}

// UpstreamCtx is the attempt metadata threaded through dispatch, logging and
// usage accounting.
type UpstreamCtx struct {
	TraceID      string
	UserID       *uint64
	UserKeyID    *uint64
	UserAgent    string
	Provider     string
	CredentialID *uint64
	Op           protocol.Operation
	AttemptNo    int
	Internal     bool // engine-initiated, e.g. fallback token counting
}

// Call is one resolved upstream invocation: the operation in the provider's
// native dialect plus everything needed to render the HTTP request.
type Call struct {
	Ctx      UpstreamCtx
	Op       protocol.Operation // operation in the provider's dialect
	Stream   bool               // upstream call shape
	Compact  bool               // codex-only /responses/compact surface, always unary
	Model    string
	Body     []byte
	Query    url.Values
	Header   http.Header // forwardable subset, e.g. anthropic-beta
	Settings *ChannelSettings
	Secret   *Secret
}

// Request is a rendered upstream HTTP request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is an upstream result. Stream is non-nil for streaming calls and
// must be closed by the consumer; Body is set otherwise.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// Impl renders upstream requests for one provider kind.
type Impl interface {
	Kind() models.ProviderKind
	// Dispatch returns the operation table, which for custom providers
	// depends on the declared settings.
	Dispatch(cfg *ChannelSettings) protocol.DispatchTable
	// BuildRequest renders the call. The body is already in the provider's
	// dialect; implementations add URL, auth and kind-specific rewrites.
	BuildRequest(call *Call) (*Request, error)
}

// TokenRefresher is implemented by kinds whose credentials expire. Refresh
// returns true when the secret was changed and should be persisted.
type TokenRefresher interface {
	Refresh(ctx context.Context, client *http.Client, secret *Secret, force bool) (bool, error)
}

// LocalResponder is implemented by kinds that can answer some operations
// without an upstream call.
type LocalResponder interface {
	LocalResponse(call *Call) (*Response, bool, error)
}

// UnavailableDecider overrides the default failure classification.
type UnavailableDecider interface {
	DecideUnavailable(f *Failure, model string, now time.Time) UnavailableDecision
}

// FailureRetrier inspects an upstream failure and may repair the credential
// for one more attempt: Cloud Code kinds re-detect their project on 404,
// claudecode drops the 1M beta flag when the upstream rejects it. A returned
// AuthRetryUpdated means the secret was mutated and must be persisted.
type FailureRetrier interface {
	RetryAfterFailure(ctx context.Context, client *http.Client, call *Call, f *Failure) (AuthRetryAction, error)
}

// ResponseNormalizer reshapes a non-stream upstream payload into the dialect
// the dispatch rule promised downstream. Cloud Code kinds unwrap their
// response envelope, Codex reshapes its model listing.
type ResponseNormalizer interface {
	NormalizeResponse(call *Call, body []byte) ([]byte, error)
}

// StreamNormalizer rewrites streamed payloads event by event; one upstream
// event may expand to several downstream ones. Implementing it switches the
// native relay from byte passthrough to event re-framing.
type StreamNormalizer interface {
	NormalizeStreamData(call *Call, data []byte) ([][]byte, error)
}

// OAuthStartResult is the downstream answer plus the pending flow state.
type OAuthStartResult struct {
	Mode      models.OAuthMode
	State     string
	Response  []byte         // downstream JSON body
	Payload   map[string]any // pending scratch data
	ExpiresAt time.Time      // pending row deadline
}

// OAuthCallbackResult reports a finished flow. UpsertKey deduplicates
// re-authentication of the same upstream account when non-empty.
type OAuthCallbackResult struct {
	Response  []byte
	Secret    *Secret
	Name      string
	UpsertKey string
}

// OAuthFlow is implemented by kinds with interactive token acquisition.
type OAuthFlow interface {
	OAuthStart(ctx context.Context, client *http.Client, settings *ChannelSettings, query url.Values) (*OAuthStartResult, error)
	OAuthCallback(ctx context.Context, client *http.Client, settings *ChannelSettings, pending *PendingFlow, query url.Values) (*OAuthCallbackResult, error)
}

// PendingFlow is the stored half of an in-flight OAuth flow.
type PendingFlow struct {
	State     string
	Mode      models.OAuthMode
	Payload   map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UsageFetcher is implemented by kinds exposing a native usage surface.
type UsageFetcher interface {
	FetchUsage(ctx context.Context, client *http.Client, call *Call) (*Response, error)
}
