package models

import (
	"time"

	"gorm.io/datatypes"
)

// DownstreamRequest is the trace record of one request received from a
// caller. Bodies are captured only when redaction is disabled, and are
// truncated at the capture cap.
type DownstreamRequest struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	At      time.Time `gorm:"not null;index:idx_downstream_cursor,priority:1"` // Receive time.
	TraceID string    `gorm:"type:varchar(40);not null;index"`                 // Request trace ID.

	UserID    *uint64 `gorm:"index"` // Authenticated user, when auth succeeded.
	UserKeyID *uint64 `gorm:"index"` // Presented key, when auth succeeded.

	Method    string `gorm:"type:varchar(8);not null"`     // HTTP method.
	Path      string `gorm:"type:varchar(512);not null"`   // Request path.
	Query     string `gorm:"type:varchar(2048)"`           // Raw query with sensitive params masked.
	Operation string `gorm:"type:varchar(48);index"`       // Classified operation name.
	Provider  string `gorm:"type:varchar(64);index"`       // Resolved provider, when single-provider.
	Model     string `gorm:"type:varchar(256);default:''"` // Requested model, when known.

	Status       int    `gorm:"not null;default:0"`          // Final downstream status.
	ErrorKind    string `gorm:"type:varchar(48);default:''"` // Error category, empty on success.
	ErrorMessage string `gorm:"type:text"`                   // Error detail, empty on success.

	UserAgent      string         `gorm:"type:varchar(512);default:''"` // Caller user agent.
	RequestHeaders datatypes.JSON `gorm:"type:jsonb"`                   // Caller headers with sensitive values masked.
	RequestBody    string         `gorm:"type:text"`                    // Captured request body.
	ResponseBody   string         `gorm:"type:text"`                    // Captured response body.

	DurationMs int64 `gorm:"not null;default:0"` // Wall time in milliseconds.
}

// UpstreamRequest is the trace record of one attempt against a provider.
// A downstream request that fails over produces several of these sharing
// one trace ID.
type UpstreamRequest struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	At      time.Time `gorm:"not null;index:idx_upstream_cursor,priority:1"` // Send time.
	TraceID string    `gorm:"type:varchar(40);not null;index"`               // Request trace ID.

	UserID    *uint64 `gorm:"index"` // Downstream user, when authenticated.
	UserKeyID *uint64 `gorm:"index"` // Downstream key, when authenticated.

	Provider     string  `gorm:"type:varchar(64);not null;index"` // Target provider name.
	CredentialID *uint64 `gorm:"index"`                           // Selected credential, when one was acquired.
	AttemptNo    int     `gorm:"not null;default:1"`              // 1-based attempt counter.
	Internal     bool    `gorm:"not null;default:false"`          // Gateway-initiated call, not relayed downstream.

	Operation string `gorm:"type:varchar(48);index"`       // Dispatched operation name.
	Model     string `gorm:"type:varchar(256);default:''"` // Requested model, when known.
	Method    string `gorm:"type:varchar(8);not null"`     // HTTP method.
	URL       string `gorm:"type:varchar(1024);not null"`  // Upstream URL with redacted query.

	Status       int    `gorm:"not null;default:0"`          // Upstream status, 0 on transport failure.
	ErrorKind    string `gorm:"type:varchar(48);default:''"` // Error category, empty on success.
	ErrorMessage string `gorm:"type:text"`                   // Error detail, empty on success.

	RequestHeaders datatypes.JSON `gorm:"type:jsonb"` // Sent headers with sensitive values masked.
	RequestBody    string         `gorm:"type:text"`  // Captured request body.
	ResponseBody   string         `gorm:"type:text"`  // Captured response body.

	DurationMs int64 `gorm:"not null;default:0"` // Wall time in milliseconds.
}
