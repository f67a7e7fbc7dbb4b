// Package engine executes classified downstream requests against provider
// upstreams: credential selection, dispatch-rule resolution, request and
// response translation, stream relay, retry with failover, and the usage and
// trace records every attempt leaves behind.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/auth"
	"github.com/router-for-me/ModelProxyAPI/internal/events"
	"github.com/router-for-me/ModelProxyAPI/internal/health"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/providers"
	"github.com/router-for-me/ModelProxyAPI/internal/settings"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
	"github.com/router-for-me/ModelProxyAPI/internal/usage"
)

// attemptBudget caps credential failover per downstream request.
const attemptBudget = 4

// responseHeaderTimeout bounds the wait for upstream headers. Streaming
// calls have no overall deadline, so this is their only timeout.
const responseHeaderTimeout = 30 * time.Second

// Engine wires the routing snapshot, credential health and the persistence
// sinks into one dispatcher. All methods are safe for concurrent use.
type Engine struct {
	store    *store.Store
	selector *auth.Selector
	health   *health.Registry
	usage    *usage.Writer
	events   *events.Sink

	mu      sync.Mutex
	clients map[string]*http.Client // keyed by egress proxy URL
}

// New builds an engine. The usage writer and event sink may be nil in tests;
// recording is skipped when they are.
func New(st *store.Store, sel *auth.Selector, reg *health.Registry, uw *usage.Writer, sink *events.Sink) *Engine {
	return &Engine{
		store:    st,
		selector: sel,
		health:   reg,
		usage:    uw,
		events:   sink,
		clients:  make(map[string]*http.Client),
	}
}

// Inbound is one classified downstream request, ready to dispatch. Query and
// Header carry only the forwardable subset; downstream credentials were
// already stripped.
type Inbound struct {
	TraceID   string
	UserID    *uint64
	UserKeyID *uint64
	UserAgent string

	Provider  string             // resolved provider name
	Aggregate bool               // provider came from a model prefix; restore it in responses
	Op        protocol.Operation // downstream operation
	Compact   bool               // Codex /responses/compact surface
	Model     string             // prefix-stripped model id, empty for listing ops

	Body   []byte
	Query  url.Values
	Header http.Header
}

// Proto returns the downstream wire dialect.
func (in *Inbound) Proto() protocol.Proto {
	p, _ := in.Op.Proto()
	return p
}

// Outcome is what the engine told the downstream caller. The HTTP handler
// folds it into the request's trace record.
type Outcome struct {
	Status       int
	ErrorKind    string
	ErrorMessage string
}

// shapeMode says how the upstream call shape relates to the downstream one.
type shapeMode int

const (
	// shapeDirect matches the downstream shape.
	shapeDirect shapeMode = iota
	// shapeCollect streams upstream and answers downstream with one body.
	shapeCollect
	// shapeExplode calls upstream unary and synthesizes a downstream stream.
	shapeExplode
)

// plan is the resolved upstream side of one dispatch: the operation in the
// provider's dialect, its call shape, and how to bridge back.
type plan struct {
	op     protocol.Operation
	proto  protocol.Proto // dialect of op, drives codecs and usage extraction
	stream bool           // upstream call shape
	mode   shapeMode
	rule   protocol.DispatchRule
}

// Execute dispatches one downstream request and writes the response. The
// returned outcome mirrors what was written.
func (e *Engine) Execute(ctx context.Context, w http.ResponseWriter, in *Inbound) Outcome {
	snap := e.store.Load()
	if snap == nil {
		return writeError(w, protocol.NewStatusError(http.StatusServiceUnavailable, protocol.KindNoActiveCredentials, "routing state not loaded"))
	}
	view, ok := snap.ProvidersByName[in.Provider]
	if !ok {
		return writeError(w, protocol.NewStatusError(http.StatusNotFound, protocol.KindUnknownProvider, fmt.Sprintf("unknown provider %q", in.Provider)))
	}
	if !view.Enabled {
		return writeError(w, protocol.NewStatusError(http.StatusConflict, protocol.KindProviderDisabled, fmt.Sprintf("provider %q is disabled", in.Provider)))
	}
	impl, ok := providers.ForKind(view.Kind)
	if !ok {
		return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidDispatchState, "no implementation for kind "+string(view.Kind)))
	}
	if in.Compact && view.Kind != models.ProviderKindCodex {
		return writeError(w, protocol.NewStatusError(http.StatusNotImplemented, protocol.KindUnsupportedOperation, "compaction requires a codex provider"))
	}

	pl, err := resolvePlan(in, impl.Dispatch(view.Settings))
	if err != nil {
		return writeError(w, err)
	}
	return e.run(ctx, w, in, snap, view, impl, pl)
}

// resolvePlan applies the dispatch table to the downstream operation. For
// generates an unsupported shape falls back to the provider's other one; the
// bridge back is the plan's mode. Compact calls are always unary and skip
// the table, the kind check already gated them.
func resolvePlan(in *Inbound, table protocol.DispatchTable) (plan, error) {
	if in.Compact {
		return plan{op: in.Op, proto: protocol.ProtoOpenAIResponse, rule: protocol.Native()}, nil
	}
	rule := table.Rule(in.Op)
	switch rule.Kind {
	case protocol.RuleNative, protocol.RuleTransform:
		return planFor(in.Op, in.Op.IsStream(), shapeDirect, rule)
	}
	if !in.Op.IsGenerate() {
		return plan{}, unsupportedErr(in.Op)
	}
	if in.Op.IsStream() {
		if alt, ok := in.Op.NonStreamVariant(); ok {
			if rule := table.Rule(alt); rule.Kind != protocol.RuleUnsupported {
				return planFor(alt, false, shapeExplode, rule)
			}
		}
	} else {
		if alt, ok := in.Op.StreamVariant(); ok {
			if rule := table.Rule(alt); rule.Kind != protocol.RuleUnsupported {
				return planFor(alt, true, shapeCollect, rule)
			}
		}
	}
	return plan{}, unsupportedErr(in.Op)
}

func planFor(op protocol.Operation, stream bool, mode shapeMode, rule protocol.DispatchRule) (plan, error) {
	resolved := op
	if rule.Kind == protocol.RuleTransform {
		mapped, ok := opInProto(op, rule.Target)
		if !ok {
			return plan{}, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidDispatchState,
				"operation "+op.String()+" has no equivalent in "+string(rule.Target))
		}
		resolved = mapped
	}
	proto, ok := resolved.Proto()
	if !ok {
		return plan{}, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidDispatchState,
			"operation "+resolved.String()+" has no dialect")
	}
	return plan{op: resolved, proto: proto, stream: stream, mode: mode, rule: rule}, nil
}

// opInProto maps an operation to its equivalent in another dialect. OAuth
// and usage operations never transform.
func opInProto(op protocol.Operation, target protocol.Proto) (protocol.Operation, bool) {
	switch {
	case op.IsGenerate():
		return protocol.GenerateOp(target, op.IsStream())
	case op == protocol.OpClaudeCountTokens, op == protocol.OpGeminiCountTokens, op == protocol.OpOpenAIInputTokens:
		return protocol.CountTokensOp(target)
	case op == protocol.OpClaudeModelsList, op == protocol.OpGeminiModelsList, op == protocol.OpOpenAIModelsList:
		return protocol.ModelsListOp(target)
	case op == protocol.OpClaudeModelsGet, op == protocol.OpGeminiModelsGet, op == protocol.OpOpenAIModelsGet:
		return protocol.ModelsGetOp(target)
	}
	return op, false
}

func unsupportedErr(op protocol.Operation) error {
	return protocol.NewStatusError(http.StatusNotFound, protocol.KindUnsupportedOperation,
		"operation "+op.String()+" is not supported by this provider")
}

// requestTimeout is the non-streaming upstream deadline.
func requestTimeout() time.Duration {
	secs := settings.Int(settings.RequestTimeoutSecondsKey, settings.DefaultRequestTimeoutSeconds)
	if secs <= 0 {
		secs = settings.DefaultRequestTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

func redactEnabled() bool {
	return settings.Bool(settings.EventRedactSensitiveKey, settings.DefaultEventRedactSensitive)
}
