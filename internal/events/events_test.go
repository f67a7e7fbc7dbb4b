package events

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/db"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
)

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer sk-secret")
	h.Set("X-Api-Key", "sk-other")
	h.Set("Content-Type", "application/json")
	h.Add("Accept", "application/json")
	h.Add("Accept", "text/event-stream")

	out := RedactHeaders(h, true)
	if out == nil {
		t.Fatal("redacted headers are nil")
	}
	if got := gjson.GetBytes(out, "authorization").String(); got != "***" {
		t.Fatalf("authorization = %q, want masked", got)
	}
	if got := gjson.GetBytes(out, "x-api-key").String(); got != "***" {
		t.Fatalf("x-api-key = %q, want masked", got)
	}
	if got := gjson.GetBytes(out, "content-type").String(); got != "application/json" {
		t.Fatalf("content-type = %q", got)
	}
	if got := gjson.GetBytes(out, "accept").String(); got != "application/json, text/event-stream" {
		t.Fatalf("accept = %q, want joined values", got)
	}

	plain := RedactHeaders(h, false)
	if got := gjson.GetBytes(plain, "authorization").String(); got != "Bearer sk-secret" {
		t.Fatalf("without redaction authorization = %q", got)
	}

	if RedactHeaders(nil, true) != nil {
		t.Fatal("empty headers should produce nil")
	}
}

func TestRedactQuery(t *testing.T) {
	out := RedactQuery("alt=sse&key=sk-secret&api_key=sk-two", true)
	values, err := url.ParseQuery(out)
	if err != nil {
		t.Fatalf("parse redacted query: %v", err)
	}
	if got := values.Get("key"); got != "***" {
		t.Fatalf("key = %q, want masked", got)
	}
	if got := values.Get("api_key"); got != "***" {
		t.Fatalf("api_key = %q, want masked", got)
	}
	if got := values.Get("alt"); got != "sse" {
		t.Fatalf("alt = %q", got)
	}

	if got := RedactQuery("key=sk-secret", false); got != "key=sk-secret" {
		t.Fatalf("without redaction query = %q", got)
	}
	if got := RedactQuery("alt=sse", true); got != "alt=sse" {
		t.Fatalf("query without sensitive params = %q, want unchanged", got)
	}
	if got := RedactQuery("a=%zz", true); got != "a=%zz" {
		t.Fatalf("unparseable query = %q, want passthrough", got)
	}
}

func TestRedactURL(t *testing.T) {
	out := RedactURL("https://generativelanguage.googleapis.com/v1beta/models?key=sk-secret&pageSize=5", true)
	u, err := url.Parse(out)
	if err != nil {
		t.Fatalf("parse redacted url: %v", err)
	}
	if got := u.Query().Get("key"); got != "***" {
		t.Fatalf("key = %q, want masked", got)
	}
	if got := u.Query().Get("pageSize"); got != "5" {
		t.Fatalf("pageSize = %q", got)
	}
	if u.Host != "generativelanguage.googleapis.com" || u.Path != "/v1beta/models" {
		t.Fatalf("host/path changed: %s", out)
	}

	bare := "https://api.openai.com/v1/models"
	if got := RedactURL(bare, true); got != bare {
		t.Fatalf("url without query = %q, want unchanged", got)
	}
}

func TestCaptureBody(t *testing.T) {
	if got := CaptureBody([]byte(`{"model":"gpt-4o"}`), true); got != "" {
		t.Fatalf("redacted capture = %q, want empty", got)
	}
	if got := CaptureBody([]byte(`{"model":"gpt-4o"}`), false); got != `{"model":"gpt-4o"}` {
		t.Fatalf("capture = %q", got)
	}
	if got := CaptureBody(nil, false); got != "" {
		t.Fatalf("nil capture = %q, want empty", got)
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func TestSinkPersistsBothKinds(t *testing.T) {
	conn := openTestDB(t)
	sink := NewSink(conn, 8)

	base := time.Now().Add(-time.Minute).Truncate(time.Second)
	sink.RecordDownstream(&models.DownstreamRequest{
		At:      base,
		TraceID: "trace-1",
		Method:  "POST",
		Path:    "/v1/messages",
		Status:  200,
	})
	sink.RecordUpstream(&models.UpstreamRequest{
		At:        base.Add(time.Second),
		TraceID:   "trace-1",
		Provider:  "claude",
		AttemptNo: 1,
		Operation: "claude.generate",
		Method:    "POST",
		URL:       "https://api.anthropic.com/v1/messages",
		Status:    200,
	})
	sink.Close()

	page, err := Query(context.Background(), conn, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(page.Rows))
	}
	if page.Rows[0].Kind != KindUpstream || page.Rows[1].Kind != KindDownstream {
		t.Fatalf("order = %s, %s, want newest first", page.Rows[0].Kind, page.Rows[1].Kind)
	}
	if page.HasMore {
		t.Fatal("two rows should not page")
	}
	if page.Rows[0].Path != "https://api.anthropic.com/v1/messages" {
		t.Fatalf("upstream path = %q", page.Rows[0].Path)
	}
}

func seedDownstream(t *testing.T, conn *gorm.DB, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		row := &models.DownstreamRequest{
			At:      base.Add(time.Duration(i) * time.Second),
			TraceID: "trace-seed",
			Method:  "POST",
			Path:    "/v1/chat/completions",
			Status:  200,
		}
		if err := conn.Create(row).Error; err != nil {
			t.Fatalf("seed row %d: %v", i, err)
		}
	}
}

func TestQueryCursorPagination(t *testing.T) {
	conn := openTestDB(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	seedDownstream(t, conn, 5, base)

	first, err := Query(context.Background(), conn, Filter{Kind: KindDownstream, Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Rows) != 2 || !first.HasMore || first.NextCursor == nil {
		t.Fatalf("first page rows=%d hasMore=%v cursor=%v", len(first.Rows), first.HasMore, first.NextCursor)
	}

	second, err := Query(context.Background(), conn, Filter{Kind: KindDownstream, Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Rows) != 2 || !second.HasMore {
		t.Fatalf("second page rows=%d hasMore=%v", len(second.Rows), second.HasMore)
	}

	third, err := Query(context.Background(), conn, Filter{Kind: KindDownstream, Limit: 2, Cursor: second.NextCursor})
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if len(third.Rows) != 1 || third.HasMore {
		t.Fatalf("third page rows=%d hasMore=%v", len(third.Rows), third.HasMore)
	}

	seen := map[uint64]bool{}
	var prev time.Time
	for pageNo, page := range []*Page{first, second, third} {
		for _, row := range page.Rows {
			if seen[row.ID] {
				t.Fatalf("page %d repeats row %d", pageNo, row.ID)
			}
			seen[row.ID] = true
			if !prev.IsZero() && row.At.After(prev) {
				t.Fatalf("rows not newest first at id %d", row.ID)
			}
			prev = row.At
		}
	}
	if len(seen) != 5 {
		t.Fatalf("paged rows = %d, want 5", len(seen))
	}
}

func TestQueryFilters(t *testing.T) {
	conn := openTestDB(t)
	base := time.Now().Add(-30 * time.Minute).Truncate(time.Second)
	cred := uint64(7)

	rows := []*models.UpstreamRequest{
		{At: base, TraceID: "t-1", Provider: "claude", CredentialID: &cred, AttemptNo: 1, Operation: "claude.generate", Method: "POST", URL: "https://api.anthropic.com/v1/messages", Status: 200},
		{At: base.Add(time.Second), TraceID: "t-2", Provider: "openai", AttemptNo: 1, Operation: "openai_chat.generate", Method: "POST", URL: "https://api.openai.com/v1/chat/completions", Status: 429, ErrorKind: "rate_limited"},
	}
	for _, row := range rows {
		if err := conn.Create(row).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	page, err := Query(context.Background(), conn, Filter{Kind: KindUpstream, Provider: "claude"})
	if err != nil {
		t.Fatalf("provider filter: %v", err)
	}
	if len(page.Rows) != 1 || page.Rows[0].TraceID != "t-1" {
		t.Fatalf("provider filter rows = %+v", page.Rows)
	}

	minStatus := 400
	page, err = Query(context.Background(), conn, Filter{Kind: KindUpstream, StatusMin: &minStatus})
	if err != nil {
		t.Fatalf("status filter: %v", err)
	}
	if len(page.Rows) != 1 || page.Rows[0].Status != 429 {
		t.Fatalf("status filter rows = %+v", page.Rows)
	}

	page, err = Query(context.Background(), conn, Filter{CredentialID: &cred})
	if err != nil {
		t.Fatalf("credential filter: %v", err)
	}
	if len(page.Rows) != 1 || page.Rows[0].Kind != KindUpstream || page.Rows[0].TraceID != "t-1" {
		t.Fatalf("credential filter rows = %+v", page.Rows)
	}

	page, err = Query(context.Background(), conn, Filter{Kind: KindUpstream, PathContains: "chat/completions"})
	if err != nil {
		t.Fatalf("path filter: %v", err)
	}
	if len(page.Rows) != 1 || page.Rows[0].TraceID != "t-2" {
		t.Fatalf("path filter rows = %+v", page.Rows)
	}

	if _, err := Query(context.Background(), conn, Filter{Kind: "bogus"}); err == nil {
		t.Fatal("unknown kind should fail")
	}
}

func TestQueryBodyPolicy(t *testing.T) {
	conn := openTestDB(t)
	base := time.Now().Add(-10 * time.Minute).Truncate(time.Second)

	ok := &models.DownstreamRequest{
		At: base, TraceID: "b-1", Method: "POST", Path: "/v1/messages", Status: 200,
		RequestBody: `{"model":"x"}`, ResponseBody: `{"id":"msg_1"}`,
	}
	failed := &models.DownstreamRequest{
		At: base.Add(time.Second), TraceID: "b-2", Method: "POST", Path: "/v1/messages", Status: 500,
		ErrorKind: "upstream_error", RequestBody: `{"model":"x"}`, ResponseBody: `{"error":{}}`,
	}
	for _, row := range []*models.DownstreamRequest{ok, failed} {
		if err := conn.Create(row).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	page, err := Query(context.Background(), conn, Filter{Kind: KindDownstream})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Rows) != 2 {
		t.Fatalf("rows = %d", len(page.Rows))
	}
	// Newest first: the failed row leads.
	if page.Rows[0].ResponseBody == "" {
		t.Fatal("error row should keep its body in the default view")
	}
	if page.Rows[1].RequestBody != "" || page.Rows[1].ResponseBody != "" {
		t.Fatal("success row should omit bodies in the default view")
	}

	page, err = Query(context.Background(), conn, Filter{Kind: KindDownstream, IncludeBody: true})
	if err != nil {
		t.Fatalf("query with bodies: %v", err)
	}
	if page.Rows[1].RequestBody != `{"model":"x"}` {
		t.Fatalf("include_body request body = %q", page.Rows[1].RequestBody)
	}
}
