package models

import "time"

// User is one downstream caller identity. Users own keys; requests are
// attributed to both the user and the presented key.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string `gorm:"type:varchar(128);uniqueIndex;not null"` // Display name, unique.

	RateLimit int `gorm:"not null;default:0"` // Requests per second, 0 uses the global default.

	Enabled bool `gorm:"not null;default:true"` // Whether the user may call the gateway.

	Keys []UserKey `gorm:"foreignKey:UserID"` // Related API keys.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// UserKey is one downstream API key. Only the SHA-256 digest is stored; the
// plaintext is returned once at creation and never again.
type UserKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   User   `gorm:"foreignKey:UserID"` // Owning user record.

	Name      string `gorm:"type:varchar(128);not null;default:''"` // Optional display label.
	KeyHash   string `gorm:"type:varchar(64);uniqueIndex;not null"` // SHA-256 hex of the plaintext key.
	KeyPrefix string `gorm:"type:varchar(16);not null;default:''"`  // Leading plaintext characters for display.

	Enabled bool `gorm:"not null;default:true"` // Whether the key may authenticate.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
