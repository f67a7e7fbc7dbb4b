package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/router-for-me/ModelProxyAPI/internal/sse"
	"github.com/router-for-me/ModelProxyAPI/internal/translate"
	"github.com/router-for-me/ModelProxyAPI/internal/usage"
)

var errDownstreamWrite = errors.New("engine: downstream write failed")

// streamWriter frames downstream stream output: SSE for most dialects, a
// chunked JSON array for Gemini without alt=sse. Headers are committed on
// the first write so a stream that dies earlier can still fail over.
type streamWriter struct {
	w       http.ResponseWriter
	array   bool
	sse     *sse.Writer
	started bool
	count   int // array elements written
}

func newStreamWriter(w http.ResponseWriter, downstream protocol.Proto, query url.Values) *streamWriter {
	array := downstream == protocol.ProtoGemini && query.Get("alt") != "sse"
	return &streamWriter{w: w, array: array}
}

func (sw *streamWriter) ensure() {
	if sw.started {
		return
	}
	sw.started = true
	if sw.array {
		h := sw.w.Header()
		h.Set("Content-Type", "application/json")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		sw.w.WriteHeader(http.StatusOK)
		sw.sse = sse.NewRawWriter(sw.w)
		return
	}
	sw.sse = sse.NewWriter(sw.w, http.StatusOK)
}

// frame emits one data frame. Array framing ignores the event name.
func (sw *streamWriter) frame(name string, data []byte) error {
	sw.ensure()
	if sw.array {
		sep := []byte(",")
		if sw.count == 0 {
			sep = []byte("[")
		}
		sw.count++
		if err := sw.sse.WriteRaw(append(sep, data...)); err != nil {
			return errDownstreamWrite
		}
		return nil
	}
	if err := sw.sse.WriteEvent(name, data); err != nil {
		return errDownstreamWrite
	}
	return nil
}

// heartbeat keeps SSE connections alive through idle gaps. Array framing
// has no comment syntax, so it stays silent.
func (sw *streamWriter) heartbeat() error {
	if sw.array {
		return nil
	}
	sw.ensure()
	if err := sw.sse.WriteHeartbeat(); err != nil {
		return errDownstreamWrite
	}
	return nil
}

// done emits the OpenAI chat terminator.
func (sw *streamWriter) done() error {
	sw.ensure()
	if err := sw.sse.WriteDone(); err != nil {
		return errDownstreamWrite
	}
	return nil
}

// finish closes the downstream framing. An untouched stream still commits
// its headers, so an empty upstream answers 200 with no frames, or a valid
// empty array.
func (sw *streamWriter) finish() error {
	sw.ensure()
	if !sw.array {
		return nil
	}
	closing := []byte("]")
	if sw.count == 0 {
		closing = []byte("[]")
	}
	if err := sw.sse.WriteRaw(closing); err != nil {
		return errDownstreamWrite
	}
	return nil
}

type upstreamFrame struct {
	ev  *sse.Event
	err error
}

// readFrames feeds upstream SSE events to the relay loop until the body
// ends or the relay stops listening.
func readFrames(body io.Reader, frames chan<- upstreamFrame, done <-chan struct{}) {
	reader := sse.NewReader(body)
	for {
		ev, err := reader.Next()
		select {
		case frames <- upstreamFrame{ev: ev, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// streamRelay carries the per-stream state of one relayed response. The
// parser and builder are nil on native relays, which re-frame events without
// crossing the neutral form.
type streamRelay struct {
	in      *Inbound
	call    *provider.Call
	norm    provider.StreamNormalizer
	parser  translate.StreamParser
	builder translate.StreamBuilder
	acc     *usage.Accumulator
	out     *streamWriter
}

// handle relays one upstream event. Parse failures surface as
// decode errors; write failures as errDownstreamWrite.
func (r *streamRelay) handle(ev *sse.Event) error {
	if len(bytes.TrimSpace(ev.Data)) == 0 && ev.Name == "" {
		return nil
	}
	if ev.Done() {
		// The chat terminator is transport framing, not an event. Native
		// chat relays forward it; everything else regenerates its own.
		if r.parser == nil && r.in.Proto() == protocol.ProtoOpenAIChat {
			return r.out.frame("", ev.Data)
		}
		return nil
	}
	payloads := [][]byte{ev.Data}
	if r.norm != nil {
		peeled, err := r.norm.NormalizeStreamData(r.call, ev.Data)
		if err != nil {
			return err
		}
		payloads = peeled
	}
	for _, data := range payloads {
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		r.acc.Push(data)
		if r.parser == nil {
			if r.in.Aggregate {
				data = restoreEventPrefix(r.in, data)
			}
			if err := r.out.frame(ev.Name, data); err != nil {
				return err
			}
			continue
		}
		evs, err := r.parser.Parse(ev.Name, data)
		if err != nil {
			return err
		}
		if err := r.emit(evs); err != nil {
			return err
		}
	}
	return nil
}

// emit renders neutral events downstream through the builder.
func (r *streamRelay) emit(evs []translate.StreamEvent) error {
	for _, nev := range evs {
		frames, err := r.builder.Build(nev)
		if err != nil {
			return err
		}
		for _, f := range frames {
			data := f.Data
			if r.in.Aggregate {
				data = restoreEventPrefix(r.in, data)
			}
			if err := r.out.frame(f.Name, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// finish flushes the parser's trailing events and closes the downstream
// framing.
func (r *streamRelay) finish() error {
	if r.parser != nil {
		evs, err := r.parser.Finish()
		if err != nil {
			return err
		}
		if err := r.emit(evs); err != nil {
			return err
		}
		if r.in.Proto() == protocol.ProtoOpenAIChat {
			if err := r.out.done(); err != nil {
				return err
			}
		}
	}
	return r.out.finish()
}

// relayStream pipes an upstream stream downstream, re-framed per dialect,
// with an idle heartbeat. Once any byte is committed the stream is never
// retried; failures before that surface as retryable.
func (e *Engine) relayStream(ctx context.Context, w http.ResponseWriter, in *Inbound, pl plan, impl provider.Impl, call *provider.Call, resp *provider.Response) (Outcome, *provider.Failure, relayResult) {
	defer resp.Stream.Close()

	r := &streamRelay{
		in:   in,
		call: call,
		acc:  usage.NewAccumulator(usage.KindForOp(pl.op)),
		out:  newStreamWriter(w, in.Proto(), in.Query),
	}
	r.norm, _ = impl.(provider.StreamNormalizer)
	if pl.rule.Kind == protocol.RuleTransform {
		src, err := translate.ForProto(pl.proto)
		if err != nil {
			return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidStreamProto, err.Error())), nil, relayResult{}
		}
		dst, err := translate.ForProto(in.Proto())
		if err != nil {
			return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidStreamProto, err.Error())), nil, relayResult{}
		}
		r.parser = src.NewStreamParser()
		r.builder = dst.NewStreamBuilder()
	}

	frames := make(chan upstreamFrame)
	done := make(chan struct{})
	defer close(done)
	go readFrames(resp.Stream, frames, done)

	heartbeat := time.NewTimer(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	finishUsage := func() {
		e.recordUsage(in, pl, call, r.acc.Finalize(in.Model))
	}

	for {
		select {
		case <-ctx.Done():
			finishUsage()
			return Outcome{Status: streamedStatus(r.out), ErrorKind: "downstream_cancelled"}, nil,
				relayResult{errKind: "downstream_cancelled", errMessage: ctx.Err().Error()}

		case f := <-frames:
			if f.err != nil {
				if errors.Is(f.err, io.EOF) {
					if err := r.finish(); err != nil && !errors.Is(err, errDownstreamWrite) {
						finishUsage()
						return e.streamDecodeFailure(w, r, err)
					}
					finishUsage()
					return Outcome{Status: streamedStatus(r.out)}, nil, relayResult{}
				}
				if !r.out.started {
					return Outcome{}, transportFailure(provider.TransportRead, f.err), relayResult{}
				}
				finishUsage()
				return Outcome{Status: streamedStatus(r.out), ErrorKind: protocol.KindUpstreamTransport}, nil,
					relayResult{errKind: protocol.KindUpstreamTransport, errMessage: f.err.Error()}
			}
			if err := r.handle(f.ev); err != nil {
				finishUsage()
				if errors.Is(err, errDownstreamWrite) {
					return Outcome{Status: streamedStatus(r.out), ErrorKind: "downstream_cancelled"}, nil,
						relayResult{errKind: "downstream_cancelled", errMessage: err.Error()}
				}
				return e.streamDecodeFailure(w, r, err)
			}
			resetTimer(heartbeat, sse.HeartbeatInterval)

		case <-heartbeat.C:
			if err := r.out.heartbeat(); err != nil {
				finishUsage()
				return Outcome{Status: streamedStatus(r.out), ErrorKind: "downstream_cancelled"}, nil,
					relayResult{errKind: "downstream_cancelled", errMessage: err.Error()}
			}
			heartbeat.Reset(sse.HeartbeatInterval)
		}
	}
}

// streamDecodeFailure reports an upstream payload the relay could not
// decode. Before the first downstream byte it renders a regular error
// response; afterwards the stream is simply cut.
func (e *Engine) streamDecodeFailure(w http.ResponseWriter, r *streamRelay, err error) (Outcome, *provider.Failure, relayResult) {
	if !r.out.started {
		return writeError(w, protocol.NewStatusError(http.StatusBadGateway, protocol.KindDecodeResponseFailed, err.Error())), nil,
			relayResult{errKind: protocol.KindDecodeResponseFailed, errMessage: err.Error()}
	}
	return Outcome{Status: streamedStatus(r.out), ErrorKind: protocol.KindDecodeResponseFailed}, nil,
		relayResult{errKind: protocol.KindDecodeResponseFailed, errMessage: err.Error()}
}

func streamedStatus(sw *streamWriter) int {
	if sw.started {
		return http.StatusOK
	}
	return 0
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// collectStream consumes an upstream stream and answers the downstream
// caller with the complete response it adds up to.
func (e *Engine) collectStream(w http.ResponseWriter, in *Inbound, pl plan, impl provider.Impl, call *provider.Call, resp *provider.Response) (Outcome, *provider.Failure, relayResult) {
	defer resp.Stream.Close()

	src, err := translate.ForProto(pl.proto)
	if err != nil {
		return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidStreamProto, err.Error())), nil, relayResult{}
	}
	parser := src.NewStreamParser()
	collector := translate.NewCollector()
	acc := usage.NewAccumulator(usage.KindForOp(pl.op))
	norm, _ := impl.(provider.StreamNormalizer)

	reader := sse.NewReader(resp.Stream)
	for {
		ev, readErr := reader.Next()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return Outcome{}, transportFailure(provider.TransportRead, readErr), relayResult{}
		}
		if ev.Done() || len(bytes.TrimSpace(ev.Data)) == 0 {
			continue
		}
		payloads := [][]byte{ev.Data}
		if norm != nil {
			peeled, nErr := norm.NormalizeStreamData(call, ev.Data)
			if nErr != nil {
				return writeError(w, protocol.NewStatusError(http.StatusBadGateway, protocol.KindDecodeResponseFailed, nErr.Error())), nil, relayResult{}
			}
			payloads = peeled
		}
		for _, data := range payloads {
			if len(bytes.TrimSpace(data)) == 0 {
				continue
			}
			acc.Push(data)
			evs, pErr := parser.Parse(ev.Name, data)
			if pErr != nil {
				return writeError(w, protocol.NewStatusError(http.StatusBadGateway, protocol.KindDecodeResponseFailed, pErr.Error())), nil, relayResult{}
			}
			for _, nev := range evs {
				collector.Add(nev)
			}
		}
	}
	if evs, fErr := parser.Finish(); fErr == nil {
		for _, nev := range evs {
			collector.Add(nev)
		}
	}

	neutral := collector.Response()
	if neutral.Model == "" {
		neutral.Model = in.Model
	}
	dst, err := translate.ForProto(in.Proto())
	if err != nil {
		return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidStreamProto, err.Error())), nil, relayResult{}
	}
	body, err := dst.BuildResponse(neutral)
	if err != nil {
		return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindEncodeResponseFailed, err.Error())), nil, relayResult{}
	}
	if in.Aggregate {
		body = restoreBodyPrefix(in, body)
	}
	e.recordUsage(in, pl, call, acc.Finalize(in.Model))
	writeJSON(w, http.StatusOK, resp.Header, body)
	return Outcome{Status: http.StatusOK}, nil, relayResult{}
}

// explodeStream renders a unary upstream body as a synthetic downstream
// stream.
func (e *Engine) explodeStream(w http.ResponseWriter, in *Inbound, pl plan, body []byte) (Outcome, *provider.Failure, relayResult) {
	src, err := translate.ForProto(pl.proto)
	if err != nil {
		return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidStreamProto, err.Error())), nil, relayResult{}
	}
	neutral, err := src.ParseResponse(body)
	if err != nil {
		return writeError(w, protocol.NewStatusError(http.StatusBadGateway, protocol.KindDecodeResponseFailed, err.Error())), nil, relayResult{}
	}
	if neutral.Model == "" {
		neutral.Model = in.Model
	}
	dst, err := translate.ForProto(in.Proto())
	if err != nil {
		return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidStreamProto, err.Error())), nil, relayResult{}
	}
	builder := dst.NewStreamBuilder()
	out := newStreamWriter(w, in.Proto(), in.Query)
	for _, nev := range translate.Explode(neutral) {
		frames, bErr := builder.Build(nev)
		if bErr != nil {
			if !out.started {
				return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindEncodeResponseFailed, bErr.Error())), nil, relayResult{}
			}
			return Outcome{Status: http.StatusOK, ErrorKind: protocol.KindEncodeResponseFailed}, nil,
				relayResult{errKind: protocol.KindEncodeResponseFailed, errMessage: bErr.Error()}
		}
		for _, f := range frames {
			data := f.Data
			if in.Aggregate {
				data = restoreEventPrefix(in, data)
			}
			if wErr := out.frame(f.Name, data); wErr != nil {
				return Outcome{Status: streamedStatus(out), ErrorKind: "downstream_cancelled"}, nil,
					relayResult{errKind: "downstream_cancelled", errMessage: wErr.Error()}
			}
		}
	}
	if in.Proto() == protocol.ProtoOpenAIChat {
		if err := out.done(); err != nil {
			return Outcome{Status: streamedStatus(out), ErrorKind: "downstream_cancelled"}, nil,
				relayResult{errKind: "downstream_cancelled", errMessage: err.Error()}
		}
	}
	if err := out.finish(); err != nil {
		return Outcome{Status: streamedStatus(out), ErrorKind: "downstream_cancelled"}, nil,
			relayResult{errKind: "downstream_cancelled", errMessage: err.Error()}
	}
	return Outcome{Status: http.StatusOK}, nil, relayResult{}
}
