package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/settings"
)

// LoadSettings reads the settings table into the process-wide snapshot.
func LoadSettings(ctx context.Context, db *gorm.DB) error {
	var rows []models.Setting
	if errFind := db.WithContext(ctx).Find(&rows).Error; errFind != nil {
		return fmt.Errorf("store: load settings: %w", errFind)
	}
	values := make(map[string]json.RawMessage, len(rows))
	var maxUpdated time.Time
	for i := range rows {
		values[rows[i].Key] = json.RawMessage(rows[i].Value)
		if rows[i].UpdatedAt.After(maxUpdated) {
			maxUpdated = rows[i].UpdatedAt
		}
	}
	settings.StoreDBConfig(maxUpdated, values)
	return nil
}

// SettingsStale reports whether the settings table moved past the loaded
// snapshot. The watcher polls this instead of re-reading every row.
func SettingsStale(ctx context.Context, db *gorm.DB) (bool, error) {
	var probe struct{ Latest sql.NullTime }
	if errScan := db.WithContext(ctx).Model(&models.Setting{}).
		Select("MAX(updated_at) AS latest").Scan(&probe).Error; errScan != nil {
		return false, fmt.Errorf("store: settings staleness probe: %w", errScan)
	}
	if !probe.Latest.Valid {
		return false, nil
	}
	return probe.Latest.Time.After(settings.MaxUpdatedAt()), nil
}

// UpsertSetting writes one settings row, creating it when absent.
func UpsertSetting(ctx context.Context, db *gorm.DB, key string, value json.RawMessage) error {
	var existing models.Setting
	errFind := db.WithContext(ctx).Where("key = ?", key).First(&existing).Error
	if errFind == nil {
		if errUpdate := db.WithContext(ctx).Model(&existing).Updates(map[string]any{
			"value":      value,
			"updated_at": time.Now().UTC(),
		}).Error; errUpdate != nil {
			return fmt.Errorf("store: update setting %s: %w", key, errUpdate)
		}
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: query setting %s: %w", key, errFind)
	}
	row := models.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if errCreate := db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("store: create setting %s: %w", key, errCreate)
	}
	return nil
}

// ListSettings returns every settings row ordered by key.
func ListSettings(ctx context.Context, db *gorm.DB) ([]models.Setting, error) {
	var rows []models.Setting
	if errFind := db.WithContext(ctx).Order("key ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: list settings: %w", errFind)
	}
	return rows, nil
}
