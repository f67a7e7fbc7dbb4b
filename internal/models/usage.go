package models

import "time"

// UpstreamUsage is the token accounting row for one upstream attempt that
// produced usage counters. Model is empty when the request never carried one.
type UpstreamUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	At      time.Time `gorm:"not null;index"`                  // Attempt completion time.
	TraceID string    `gorm:"type:varchar(40);not null;index"` // Request trace ID.

	Provider     string  `gorm:"type:varchar(64);not null;index"` // Target provider name.
	CredentialID *uint64 `gorm:"index"`                           // Selected credential.
	UserID       *uint64 `gorm:"index"`                           // Downstream user, when authenticated.
	UserKeyID    *uint64 `gorm:"index"`                           // Downstream key, when authenticated.

	Operation string `gorm:"type:varchar(48);not null"`          // Dispatched operation name.
	Model     string `gorm:"type:varchar(256);default:'';index"` // Requested model, empty when unknown.

	InputTokens              int64 `gorm:"not null;default:0"` // Prompt tokens.
	OutputTokens             int64 `gorm:"not null;default:0"` // Completion tokens.
	CacheReadInputTokens     int64 `gorm:"not null;default:0"` // Prompt tokens served from cache.
	CacheCreationInputTokens int64 `gorm:"not null;default:0"` // Prompt tokens written to cache.
	TotalTokens              int64 `gorm:"not null;default:0"` // Provider-reported total, or the field sum.
}
