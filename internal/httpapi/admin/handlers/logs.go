package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/events"
)

// LogsHandler queries the trace tables.
type LogsHandler struct {
	db *gorm.DB
}

// NewLogsHandler constructs a LogsHandler.
func NewLogsHandler(db *gorm.DB) *LogsHandler {
	return &LogsHandler{db: db}
}

// List returns merged trace records newest first. Pagination is keyset
// only: pass the previous page's next_cursor as cursor_at and cursor_id.
// Offset pagination is rejected outright, the tables get too large for it.
func (h *LogsHandler) List(c *gin.Context) {
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		if offset, errParse := strconv.Atoi(raw); errParse != nil || offset > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset pagination is not supported, use cursor_at and cursor_id"})
			return
		}
	}

	f := events.Filter{
		Kind:         events.RecordKind(strings.TrimSpace(c.Query("kind"))),
		Provider:     strings.TrimSpace(c.Query("provider")),
		TraceID:      strings.TrimSpace(c.Query("trace_id")),
		Operation:    strings.TrimSpace(c.Query("operation")),
		PathContains: strings.TrimSpace(c.Query("path")),
		IncludeBody:  c.Query("include_body") == "true",
	}
	if raw := strings.TrimSpace(c.Query("credential_id")); raw != "" {
		id, errParse := strconv.ParseUint(raw, 10, 64)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credential_id"})
			return
		}
		f.CredentialID = &id
	}
	if raw := strings.TrimSpace(c.Query("user_id")); raw != "" {
		id, errParse := strconv.ParseUint(raw, 10, 64)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		f.UserID = &id
	}
	if raw := strings.TrimSpace(c.Query("user_key_id")); raw != "" {
		id, errParse := strconv.ParseUint(raw, 10, 64)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_key_id"})
			return
		}
		f.UserKeyID = &id
	}
	if raw := strings.TrimSpace(c.Query("status_min")); raw != "" {
		v, errParse := strconv.Atoi(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status_min"})
			return
		}
		f.StatusMin = &v
	}
	if raw := strings.TrimSpace(c.Query("status_max")); raw != "" {
		v, errParse := strconv.Atoi(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status_max"})
			return
		}
		f.StatusMax = &v
	}
	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		t, errParse := time.Parse(time.RFC3339, raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from, want RFC3339"})
			return
		}
		f.From = t
	}
	if raw := strings.TrimSpace(c.Query("to")); raw != "" {
		t, errParse := time.Parse(time.RFC3339, raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to, want RFC3339"})
			return
		}
		f.To = t
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		v, errParse := strconv.Atoi(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = v
	}
	cursorAt := strings.TrimSpace(c.Query("cursor_at"))
	cursorID := strings.TrimSpace(c.Query("cursor_id"))
	if cursorAt != "" || cursorID != "" {
		at, errAt := time.Parse(time.RFC3339Nano, cursorAt)
		id, errID := strconv.ParseUint(cursorID, 10, 64)
		if errAt != nil || errID != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor, want cursor_at and cursor_id"})
			return
		}
		f.Cursor = &events.Cursor{At: at, ID: id}
	}

	page, errQuery := events.Query(c.Request.Context(), h.db, f)
	if errQuery != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errQuery.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}
