package oauth

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"gorm.io/gorm"
)

func openRegistryDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.AutoMigrate(&models.OAuthPending{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return db
}

func TestRegistry_PutResolveComplete(t *testing.T) {
	db := openRegistryDB(t)
	reg, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	start := &provider.OAuthStartResult{
		Mode:    models.OAuthModeManual,
		State:   "state-1",
		Payload: map[string]any{"verifier": "v1"},
	}
	if errPut := reg.Put("prov-a", start); errPut != nil {
		t.Fatalf("put: %v", errPut)
	}

	flow, errResolve := reg.Resolve("prov-a", "state-1")
	if errResolve != nil {
		t.Fatalf("resolve explicit: %v", errResolve)
	}
	if flow.Payload["verifier"] != "v1" {
		t.Fatalf("expected payload to round-trip, got %v", flow.Payload)
	}

	// With a single pending flow the state may be omitted.
	flow, errResolve = reg.Resolve("prov-a", "")
	if errResolve != nil {
		t.Fatalf("resolve implicit: %v", errResolve)
	}
	if flow.State != "state-1" {
		t.Fatalf("expected auto-resolved state-1, got %q", flow.State)
	}

	reg.Complete("state-1")
	if _, errResolve = reg.Resolve("prov-a", "state-1"); errResolve == nil {
		t.Fatalf("expected completed flow to be gone")
	}
	var count int64
	if errCount := db.Model(&models.OAuthPending{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expected pending row deleted, got %d", count)
	}
}

func TestRegistry_AmbiguousAndMismatched(t *testing.T) {
	reg, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	for _, state := range []string{"s1", "s2"} {
		errPut := reg.Put("prov-a", &provider.OAuthStartResult{
			Mode:  models.OAuthModeManual,
			State: state,
		})
		if errPut != nil {
			t.Fatalf("put %s: %v", state, errPut)
		}
	}

	_, errResolve := reg.Resolve("prov-a", "")
	se, ok := errResolve.(*protocol.StatusError)
	if !ok || se.Kind != protocol.KindAmbiguousState {
		t.Fatalf("expected ambiguous_state, got %v", errResolve)
	}

	_, errResolve = reg.Resolve("prov-a", "unknown")
	se, ok = errResolve.(*protocol.StatusError)
	if !ok || se.Kind != protocol.KindStateMismatch {
		t.Fatalf("expected state_mismatch, got %v", errResolve)
	}

	// Flows never leak across providers.
	_, errResolve = reg.Resolve("prov-b", "s1")
	se, ok = errResolve.(*protocol.StatusError)
	if !ok || se.Kind != protocol.KindStateMismatch {
		t.Fatalf("expected state_mismatch for foreign provider, got %v", errResolve)
	}
}

func TestRegistry_SweepAndReload(t *testing.T) {
	db := openRegistryDB(t)
	reg, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	errPut := reg.Put("prov-a", &provider.OAuthStartResult{
		Mode:      models.OAuthModeDevice,
		State:     "short",
		ExpiresAt: time.Now().Add(50 * time.Millisecond),
	})
	if errPut != nil {
		t.Fatalf("put short: %v", errPut)
	}
	errPut = reg.Put("prov-a", &provider.OAuthStartResult{
		Mode:  models.OAuthModeDevice,
		State: "long",
	})
	if errPut != nil {
		t.Fatalf("put long: %v", errPut)
	}

	removed := reg.Sweep(time.Now().Add(time.Second))
	if removed != 1 {
		t.Fatalf("expected 1 swept flow, got %d", removed)
	}
	if _, errResolve := reg.Resolve("prov-a", "short"); errResolve == nil {
		t.Fatalf("expected swept flow to be gone")
	}
	if _, errResolve := reg.Resolve("prov-a", "long"); errResolve != nil {
		t.Fatalf("resolve long: %v", errResolve)
	}

	// A fresh registry picks the surviving flow back up from the table.
	reloaded, errNew := NewRegistry(db)
	if errNew != nil {
		t.Fatalf("reload registry: %v", errNew)
	}
	flow, errResolve := reloaded.Resolve("prov-a", "long")
	if errResolve != nil {
		t.Fatalf("resolve after reload: %v", errResolve)
	}
	if flow.Mode != models.OAuthModeDevice {
		t.Fatalf("expected device mode after reload, got %q", flow.Mode)
	}
}
