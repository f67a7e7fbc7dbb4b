package models

import (
	"encoding/json"
	"time"
)

// Setting is one persisted configuration value. The merged boot config is
// written back here, and admin updates land here before the snapshot swap.
type Setting struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Key   string          `gorm:"type:varchar(128);uniqueIndex;not null"` // Setting name.
	Value json.RawMessage `gorm:"type:jsonb"`                             // JSON-encoded value.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
