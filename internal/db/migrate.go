package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	internalsettings "github.com/router-for-me/ModelProxyAPI/internal/settings"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema and seeds the rows every deployment
// needs: one provider per built-in kind and the settings defaults.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}

	entities := []any{
		&models.Provider{},
		&models.Credential{},
		&models.User{},
		&models.UserKey{},
		&models.OAuthPending{},
		&models.Setting{},
		&models.DownstreamRequest{},
		&models.UpstreamRequest{},
		&models.UpstreamUsage{},
	}
	if errMigrate := conn.AutoMigrate(entities...); errMigrate != nil {
		return fmt.Errorf("db: auto migrate: %w", errMigrate)
	}

	if errSeed := ensureBuiltinProviders(conn); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureBoolSetting(conn, internalsettings.EventRedactSensitiveKey, internalsettings.DefaultEventRedactSensitive); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureIntSetting(conn, internalsettings.RateLimitKey, internalsettings.DefaultRateLimit); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureIntSetting(conn, internalsettings.RequestTimeoutSecondsKey, internalsettings.DefaultRequestTimeoutSeconds); errSeed != nil {
		return errSeed
	}
	return nil
}

// ensureBuiltinProviders inserts one enabled row per built-in kind, named
// after the kind. Existing rows keep whatever state admins gave them.
func ensureBuiltinProviders(conn *gorm.DB) error {
	for _, kind := range models.BuiltinProviderKinds {
		var existing models.Provider
		errFind := conn.Where("name = ?", string(kind)).First(&existing).Error
		if errFind == nil {
			continue
		}
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			return fmt.Errorf("db: query builtin provider %s: %w", kind, errFind)
		}
		row := models.Provider{
			Name:    string(kind),
			Kind:    kind,
			Enabled: true,
		}
		if errCreate := conn.Create(&row).Error; errCreate != nil {
			return fmt.Errorf("db: seed builtin provider %s: %w", kind, errCreate)
		}
	}
	return nil
}

// ensureIntSetting ensures an integer setting exists and defaults when empty.
func ensureIntSetting(conn *gorm.DB, key string, value int) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	return ensureSetting(conn, key, payload)
}

// ensureBoolSetting ensures a boolean setting exists and defaults when empty.
func ensureBoolSetting(conn *gorm.DB, key string, value bool) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	return ensureSetting(conn, key, payload)
}

func ensureSetting(conn *gorm.DB, key string, rawValue json.RawMessage) error {
	var existing models.Setting
	if errFind := conn.Where("key = ?", key).First(&existing).Error; errFind == nil {
		trimmed := strings.TrimSpace(string(existing.Value))
		if len(existing.Value) == 0 || trimmed == "" || trimmed == "null" {
			if errUpdate := conn.Model(&existing).Updates(map[string]any{
				"value":      rawValue,
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
				return fmt.Errorf("db: update %s setting: %w", key, errUpdate)
			}
		}
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query %s setting: %w", key, errFind)
	}

	setting := models.Setting{
		Key:       key,
		Value:     rawValue,
		UpdatedAt: time.Now().UTC(),
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		return fmt.Errorf("db: create %s setting: %w", key, errCreate)
	}
	return nil
}
