package models

import (
	"time"

	"gorm.io/datatypes"
)

// Credential is one upstream secret owned by a provider. Secret holds a
// single-key JSON object whose key names the credential dialect, e.g.
// {"openai":{"api_key":"sk-..."}} or {"codex":{"access_token":...}}.
type Credential struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ProviderName string         `gorm:"type:varchar(64);not null;index"`         // Owning provider name.
	Provider     Provider       `gorm:"foreignKey:ProviderName;references:Name"` // Owning provider record.
	Name         string         `gorm:"type:varchar(128);not null;default:''"`   // Optional display label.
	Secret       datatypes.JSON `gorm:"type:jsonb;not null"`                     // Tagged credential payload.

	Enabled bool `gorm:"not null;default:true"` // Whether the credential may be selected.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
