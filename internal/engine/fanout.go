package engine

import (
	"bytes"
	"context"
	"net/http"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/translate"
)

// fanOutConcurrency bounds the goroutines listing provider models at once.
const fanOutConcurrency = 4

// Failure kinds that drop a provider from the aggregate list without
// flagging the response as partial.
var silentFanOutKinds = map[string]bool{
	protocol.KindNoActiveCredentials:  true,
	protocol.KindUnsupportedOperation: true,
	protocol.KindProviderDisabled:     true,
}

type fanOutResult struct {
	rows []translate.ModelRow
	skip bool
	hard bool
}

// FanOutModels answers an aggregate models-list by querying every enabled
// provider and merging the results. Providers without usable credentials or
// without a list operation are skipped silently; any other failure omits the
// provider and marks the payload partial. The status is always 200.
func (e *Engine) FanOutModels(ctx context.Context, w http.ResponseWriter, in *Inbound) Outcome {
	snap := e.store.Load()
	if snap == nil {
		return writeError(w, protocol.NewStatusError(http.StatusServiceUnavailable, protocol.KindNoActiveCredentials, "routing state not loaded"))
	}

	names := make([]string, 0, len(snap.Providers))
	for _, view := range snap.Providers {
		if view.Enabled {
			names = append(names, view.Name)
		}
	}
	sort.Strings(names)

	results := make([]fanOutResult, len(names))
	var group errgroup.Group
	group.SetLimit(fanOutConcurrency)
	for i, name := range names {
		group.Go(func() error {
			results[i] = e.listProviderModels(ctx, in, name)
			return nil
		})
	}
	_ = group.Wait()

	partial := false
	merged := make([]translate.ModelRow, 0, 16)
	for _, res := range results {
		if res.hard {
			partial = true
			continue
		}
		if res.skip {
			continue
		}
		merged = append(merged, res.rows...)
	}

	body, err := translate.BuildModelsList(in.Proto(), merged)
	if err != nil {
		return writeError(w, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindEncodeResponseFailed, err.Error()))
	}
	if out, sErr := sjson.SetBytes(body, "partial", partial); sErr == nil {
		body = out
	}
	writeJSON(w, http.StatusOK, nil, body)
	return Outcome{Status: http.StatusOK}
}

// listProviderModels runs one provider's models-list through the regular
// dispatch path and parses the buffered reply. Model ids come back already
// provider-prefixed because the sub-request is marked aggregate.
func (e *Engine) listProviderModels(ctx context.Context, in *Inbound, name string) fanOutResult {
	sub := &Inbound{
		TraceID:   in.TraceID,
		UserID:    in.UserID,
		UserKeyID: in.UserKeyID,
		UserAgent: in.UserAgent,
		Provider:  name,
		Aggregate: true,
		Op:        in.Op,
		Query:     in.Query,
		Header:    in.Header,
	}
	rec := newCaptureWriter()
	outcome := e.Execute(ctx, rec, sub)
	if outcome.Status < 200 || outcome.Status >= 300 {
		if silentFanOutKinds[outcome.ErrorKind] {
			return fanOutResult{skip: true}
		}
		log.WithFields(log.Fields{
			"provider": name,
			"status":   outcome.Status,
			"kind":     outcome.ErrorKind,
		}).Debug("engine: aggregate models provider failed")
		return fanOutResult{hard: true}
	}
	rows, err := translate.ParseModelsList(in.Proto(), rec.body.Bytes())
	if err != nil {
		log.WithError(err).WithField("provider", name).Debug("engine: aggregate models decode failed")
		return fanOutResult{hard: true}
	}
	return fanOutResult{rows: rows}
}

// captureWriter buffers a sub-request's response so the fan-out can merge it
// instead of relaying it downstream.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}
