package events

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
)

// RecordKind selects which trace tables a query covers.
type RecordKind string

const (
	KindAll        RecordKind = "all"
	KindUpstream   RecordKind = "upstream"
	KindDownstream RecordKind = "downstream"
)

const (
	defaultQueryWindow = 24 * time.Hour
	defaultQueryLimit  = 100
	maxQueryLimit      = 500
)

// Cursor is the keyset position after the last row of a previous page.
// Pages walk newest to oldest.
type Cursor struct {
	At time.Time `json:"at"`
	ID uint64    `json:"id"`
}

// Filter bounds a trace query. Zero From and To default to the last 24
// hours; a zero Limit defaults to 100 and is capped at 500. UserID and
// UserKeyID match only rows that recorded an authenticated caller.
type Filter struct {
	From time.Time
	To   time.Time
	Kind RecordKind

	Provider     string
	CredentialID *uint64
	UserID       *uint64
	UserKeyID    *uint64
	TraceID      string
	Operation    string
	PathContains string
	StatusMin    *int
	StatusMax    *int

	Cursor      *Cursor
	Limit       int
	IncludeBody bool
}

// Record is one merged row from either trace table. Path carries the
// downstream request path or the redacted upstream URL.
type Record struct {
	ID           uint64     `json:"id"`
	Kind         RecordKind `json:"kind"`
	At           time.Time  `json:"at"`
	TraceID      string     `json:"trace_id"`
	Provider     string     `json:"provider,omitempty"`
	CredentialID *uint64    `json:"credential_id,omitempty"`
	UserID       *uint64    `json:"user_id,omitempty"`
	UserKeyID    *uint64    `json:"user_key_id,omitempty"`
	AttemptNo    int        `json:"attempt_no,omitempty"`
	Operation    string     `json:"operation,omitempty"`
	Model        string     `json:"model,omitempty"`
	Method       string     `json:"method"`
	Path         string     `json:"path"`
	Status       int        `json:"status"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RequestBody  string     `json:"request_body,omitempty"`
	ResponseBody string     `json:"response_body,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
}

// Page is one query result plus the continuation cursor.
type Page struct {
	Rows       []Record `json:"rows"`
	HasMore    bool     `json:"has_more"`
	NextCursor *Cursor  `json:"next_cursor,omitempty"`
}

// Query returns trace rows newest first, merged across both tables when
// Kind is all.
func Query(ctx context.Context, db *gorm.DB, f Filter) (*Page, error) {
	if f.Kind == "" {
		f.Kind = KindAll
	}
	switch f.Kind {
	case KindAll, KindUpstream, KindDownstream:
	default:
		return nil, fmt.Errorf("events: query: unknown kind %q", f.Kind)
	}
	if f.To.IsZero() {
		f.To = time.Now()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-defaultQueryWindow)
	}
	if f.To.Before(f.From) {
		return nil, fmt.Errorf("events: query: to precedes from")
	}
	if f.StatusMin != nil && f.StatusMax != nil && *f.StatusMax < *f.StatusMin {
		return nil, fmt.Errorf("events: query: status_max precedes status_min")
	}
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}

	// Each table contributes one extra row so the merge can tell whether a
	// further page exists.
	fetch := f.Limit + 1
	var upstream, downstream []Record
	if f.Kind == KindAll || f.Kind == KindUpstream {
		rows, err := queryUpstream(ctx, db, f, fetch)
		if err != nil {
			return nil, err
		}
		upstream = rows
	}
	if f.Kind == KindAll || f.Kind == KindDownstream {
		rows, err := queryDownstream(ctx, db, f, fetch)
		if err != nil {
			return nil, err
		}
		downstream = rows
	}

	merged := mergeRecords(upstream, downstream, fetch)
	page := &Page{HasMore: len(merged) > f.Limit}
	if page.HasMore {
		merged = merged[:f.Limit]
		last := merged[len(merged)-1]
		page.NextCursor = &Cursor{At: last.At, ID: last.ID}
	}
	page.Rows = merged
	return page, nil
}

func queryUpstream(ctx context.Context, db *gorm.DB, f Filter, fetch int) ([]Record, error) {
	q := db.WithContext(ctx).Model(&models.UpstreamRequest{}).
		Where("at >= ?", f.From).Where("at <= ?", f.To)
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.CredentialID != nil {
		q = q.Where("credential_id = ?", *f.CredentialID)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.UserKeyID != nil {
		q = q.Where("user_key_id = ?", *f.UserKeyID)
	}
	if f.TraceID != "" {
		q = q.Where("trace_id = ?", f.TraceID)
	}
	if f.Operation != "" {
		q = q.Where("operation = ?", f.Operation)
	}
	if f.PathContains != "" {
		q = q.Where("url LIKE ?", "%"+f.PathContains+"%")
	}
	if f.StatusMin != nil {
		q = q.Where("status >= ?", *f.StatusMin)
	}
	if f.StatusMax != nil {
		q = q.Where("status <= ?", *f.StatusMax)
	}
	if f.Cursor != nil {
		q = q.Where("at < ? OR (at = ? AND id < ?)", f.Cursor.At, f.Cursor.At, f.Cursor.ID)
	}

	var rows []models.UpstreamRequest
	if err := q.Order("at DESC, id DESC").Limit(fetch).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("events: query upstream: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for i := range rows {
		out = append(out, upstreamRecord(&rows[i], f.IncludeBody))
	}
	return out, nil
}

func queryDownstream(ctx context.Context, db *gorm.DB, f Filter, fetch int) ([]Record, error) {
	// Attempt rows carry the credential; the envelope never matches.
	if f.CredentialID != nil {
		return nil, nil
	}

	q := db.WithContext(ctx).Model(&models.DownstreamRequest{}).
		Where("at >= ?", f.From).Where("at <= ?", f.To)
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.UserKeyID != nil {
		q = q.Where("user_key_id = ?", *f.UserKeyID)
	}
	if f.TraceID != "" {
		q = q.Where("trace_id = ?", f.TraceID)
	}
	if f.Operation != "" {
		q = q.Where("operation = ?", f.Operation)
	}
	if f.PathContains != "" {
		q = q.Where("path LIKE ?", "%"+f.PathContains+"%")
	}
	if f.StatusMin != nil {
		q = q.Where("status >= ?", *f.StatusMin)
	}
	if f.StatusMax != nil {
		q = q.Where("status <= ?", *f.StatusMax)
	}
	if f.Cursor != nil {
		q = q.Where("at < ? OR (at = ? AND id < ?)", f.Cursor.At, f.Cursor.At, f.Cursor.ID)
	}

	var rows []models.DownstreamRequest
	if err := q.Order("at DESC, id DESC").Limit(fetch).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("events: query downstream: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for i := range rows {
		out = append(out, downstreamRecord(&rows[i], f.IncludeBody))
	}
	return out, nil
}

func upstreamRecord(row *models.UpstreamRequest, includeBody bool) Record {
	rec := Record{
		ID:           row.ID,
		Kind:         KindUpstream,
		At:           row.At,
		TraceID:      row.TraceID,
		Provider:     row.Provider,
		CredentialID: row.CredentialID,
		UserID:       row.UserID,
		UserKeyID:    row.UserKeyID,
		AttemptNo:    row.AttemptNo,
		Operation:    row.Operation,
		Model:        row.Model,
		Method:       row.Method,
		Path:         row.URL,
		Status:       row.Status,
		ErrorKind:    row.ErrorKind,
		ErrorMessage: row.ErrorMessage,
		DurationMs:   row.DurationMs,
	}
	if includeBody {
		rec.RequestBody = row.RequestBody
		rec.ResponseBody = row.ResponseBody
	}
	return rec
}

func downstreamRecord(row *models.DownstreamRequest, includeBody bool) Record {
	rec := Record{
		ID:           row.ID,
		Kind:         KindDownstream,
		At:           row.At,
		TraceID:      row.TraceID,
		Provider:     row.Provider,
		UserID:       row.UserID,
		UserKeyID:    row.UserKeyID,
		Operation:    row.Operation,
		Model:        row.Model,
		Method:       row.Method,
		Path:         row.Path,
		Status:       row.Status,
		ErrorKind:    row.ErrorKind,
		ErrorMessage: row.ErrorMessage,
		DurationMs:   row.DurationMs,
	}
	// Error envelopes keep bodies even without include_body so failures
	// stay inspectable from the default view.
	if includeBody || row.Status >= 400 {
		rec.RequestBody = row.RequestBody
		rec.ResponseBody = row.ResponseBody
	}
	return rec
}

// mergeRecords interleaves two lists already sorted newest first, keeping
// at most take rows.
func mergeRecords(upstream, downstream []Record, take int) []Record {
	merged := make([]Record, 0, take)
	i, j := 0, 0
	for len(merged) < take && (i < len(upstream) || j < len(downstream)) {
		switch {
		case i >= len(upstream):
			merged = append(merged, downstream[j])
			j++
		case j >= len(downstream):
			merged = append(merged, upstream[i])
			i++
		case upstream[i].At.After(downstream[j].At) ||
			(upstream[i].At.Equal(downstream[j].At) && upstream[i].ID >= downstream[j].ID):
			merged = append(merged, upstream[i])
			i++
		default:
			merged = append(merged, downstream[j])
			j++
		}
	}
	return merged
}
