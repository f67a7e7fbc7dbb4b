package db

import (
	"path/filepath"
	"testing"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	internalsettings "github.com/router-for-me/ModelProxyAPI/internal/settings"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "nested", "gateway.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestMigrateSeedsBuiltinProviders(t *testing.T) {
	conn := openTestDB(t)

	var rows []models.Provider
	if err := conn.Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("list providers: %v", err)
	}
	if len(rows) != len(models.BuiltinProviderKinds) {
		t.Fatalf("expected %d seeded providers, got %d", len(models.BuiltinProviderKinds), len(rows))
	}
	for i, kind := range models.BuiltinProviderKinds {
		if rows[i].Name != string(kind) || rows[i].Kind != kind {
			t.Fatalf("row %d: got %s/%s", i, rows[i].Name, rows[i].Kind)
		}
		if !rows[i].Enabled {
			t.Fatalf("seeded provider %s should start enabled", kind)
		}
	}
}

func TestMigrateIsIdempotentAndKeepsAdminState(t *testing.T) {
	conn := openTestDB(t)

	if err := conn.Model(&models.Provider{}).Where("name = ?", "openai").Update("enabled", false).Error; err != nil {
		t.Fatalf("disable provider: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var row models.Provider
	if err := conn.Where("name = ?", "openai").First(&row).Error; err != nil {
		t.Fatalf("find provider: %v", err)
	}
	if row.Enabled {
		t.Fatalf("re-migration must not re-enable a disabled provider")
	}

	var count int64
	if err := conn.Model(&models.Provider{}).Count(&count).Error; err != nil {
		t.Fatalf("count providers: %v", err)
	}
	if count != int64(len(models.BuiltinProviderKinds)) {
		t.Fatalf("re-migration duplicated providers: %d", count)
	}
}

func TestMigrateSeedsSettings(t *testing.T) {
	conn := openTestDB(t)

	var setting models.Setting
	if err := conn.Where("key = ?", internalsettings.EventRedactSensitiveKey).First(&setting).Error; err != nil {
		t.Fatalf("find redact setting: %v", err)
	}
	if string(setting.Value) != "true" {
		t.Fatalf("redact default = %s", setting.Value)
	}
	var timeoutSetting models.Setting
	if err := conn.Where("key = ?", internalsettings.RequestTimeoutSecondsKey).First(&timeoutSetting).Error; err != nil {
		t.Fatalf("find timeout setting: %v", err)
	}
	if string(timeoutSetting.Value) != "120" {
		t.Fatalf("timeout default = %s", timeoutSetting.Value)
	}
}
