package models

import (
	"time"

	"gorm.io/datatypes"
)

// OAuthMode distinguishes the two interactive token acquisition flows.
type OAuthMode string

// OAuthMode constants name the flow styles.
const (
	// OAuthModeDevice polls a device-code endpoint until the user approves.
	OAuthModeDevice OAuthMode = "device"
	// OAuthModeManual sends the user to an authorization URL and accepts the
	// redirected code on the callback.
	OAuthModeManual OAuthMode = "manual"
)

// OAuthPending is one in-flight OAuth flow keyed by its state value. Rows
// are removed on completion and swept after their deadline passes.
type OAuthPending struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	State        string    `gorm:"type:varchar(128);uniqueIndex;not null"` // Flow state token.
	ProviderName string    `gorm:"type:varchar(64);not null;index"`        // Owning provider name.
	Mode         OAuthMode `gorm:"type:varchar(16);not null"`              // Flow style.

	Payload datatypes.JSON `gorm:"type:jsonb;not null"` // Flow scratch data (device code, PKCE verifier, redirect URI).

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	ExpiresAt time.Time `gorm:"not null;index"`          // Sweep deadline.
}
