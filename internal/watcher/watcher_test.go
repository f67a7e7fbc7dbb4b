package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

func openWatcherDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	entities := []any{
		&models.Provider{},
		&models.Credential{},
		&models.User{},
		&models.UserKey{},
		&models.Setting{},
	}
	if errMigrate := conn.AutoMigrate(entities...); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestRoutingProbeDetectsInsertAndDelete(t *testing.T) {
	conn := openWatcherDB(t)
	ctx := context.Background()

	before, errBefore := readRoutingProbe(ctx, conn)
	if errBefore != nil {
		t.Fatalf("probe: %v", errBefore)
	}

	row := models.Provider{Name: "openai", Kind: models.ProviderKindOpenAI, Enabled: true}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	after, errAfter := readRoutingProbe(ctx, conn)
	if errAfter != nil {
		t.Fatalf("probe: %v", errAfter)
	}
	if after == before {
		t.Fatal("probe unchanged after insert")
	}

	if errDelete := conn.Delete(&row).Error; errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}
	final, errFinal := readRoutingProbe(ctx, conn)
	if errFinal != nil {
		t.Fatalf("probe: %v", errFinal)
	}
	if final == after {
		t.Fatal("probe unchanged after delete")
	}
}

func TestTickRebuildsOnRoutingChange(t *testing.T) {
	conn := openWatcherDB(t)
	ctx := context.Background()

	st := store.New(conn)
	if errBuild := st.Rebuild(ctx); errBuild != nil {
		t.Fatalf("rebuild: %v", errBuild)
	}

	w := New(conn, st, nil, nil)
	probe, errProbe := readRoutingProbe(ctx, conn)
	if errProbe != nil {
		t.Fatalf("probe: %v", errProbe)
	}
	w.probe = probe
	w.probeInit = true

	// No change: the snapshot pointer must survive the tick untouched.
	beforeSnap := st.Load()
	w.tick(ctx)
	if st.Load() != beforeSnap {
		t.Fatal("tick rebuilt snapshot without a table change")
	}

	row := models.Provider{Name: "claude", Kind: models.ProviderKindClaude, Enabled: true}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	w.tick(ctx)
	if _, ok := st.Load().ProvidersByName["claude"]; !ok {
		t.Fatal("tick did not pick up the inserted provider")
	}
}

func TestStartStop(t *testing.T) {
	conn := openWatcherDB(t)
	st := store.New(conn)
	if errBuild := st.Rebuild(context.Background()); errBuild != nil {
		t.Fatalf("rebuild: %v", errBuild)
	}

	w := New(conn, st, nil, nil, WithPollInterval(10*time.Millisecond))
	if errStart := w.Start(context.Background()); errStart != nil {
		t.Fatalf("start: %v", errStart)
	}
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}
