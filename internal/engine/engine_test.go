package engine

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/auth"
	"github.com/router-for-me/ModelProxyAPI/internal/health"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
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
	}
	if errMigrate := conn.AutoMigrate(entities...); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	st := store.New(conn)
	if errBuild := st.Rebuild(context.Background()); errBuild != nil {
		t.Fatalf("rebuild: %v", errBuild)
	}
	reg := health.NewRegistry()
	return New(st, auth.NewSelector(reg), reg, nil, nil), st
}

func seedProvider(t *testing.T, st *store.Store, name string, kind models.ProviderKind, enabled bool) {
	t.Helper()
	row := models.Provider{Name: name, Kind: kind, Enabled: enabled}
	if errCreate := st.DB().Select("*").Create(&row).Error; errCreate != nil {
		t.Fatalf("seed provider: %v", errCreate)
	}
	if errBuild := st.Rebuild(context.Background()); errBuild != nil {
		t.Fatalf("rebuild: %v", errBuild)
	}
}

func TestExecuteUnknownProvider(t *testing.T) {
	eng, _ := newTestEngine(t)
	rec := httptest.NewRecorder()
	out := eng.Execute(context.Background(), rec, &Inbound{
		Provider: "nope",
		Op:       protocol.OpOpenAIChatGenerate,
		Model:    "gpt-4o",
	})
	if out.Status != 404 || out.ErrorKind != protocol.KindUnknownProvider {
		t.Fatalf("outcome = %+v, want 404 unknown_provider", out)
	}
}

func TestExecuteDisabledProvider(t *testing.T) {
	eng, st := newTestEngine(t)
	seedProvider(t, st, "openai", models.ProviderKindOpenAI, false)

	rec := httptest.NewRecorder()
	out := eng.Execute(context.Background(), rec, &Inbound{
		Provider: "openai",
		Op:       protocol.OpOpenAIChatGenerate,
		Model:    "gpt-4o",
	})
	if out.Status != 409 || out.ErrorKind != protocol.KindProviderDisabled {
		t.Fatalf("outcome = %+v, want 409 provider_disabled", out)
	}
}

func TestExecuteCompactRequiresCodex(t *testing.T) {
	eng, st := newTestEngine(t)
	seedProvider(t, st, "openai", models.ProviderKindOpenAI, true)

	rec := httptest.NewRecorder()
	out := eng.Execute(context.Background(), rec, &Inbound{
		Provider: "openai",
		Op:       protocol.OpOpenAIResponseGenerate,
		Compact:  true,
		Model:    "gpt-4o",
	})
	if out.Status != 501 || out.ErrorKind != protocol.KindUnsupportedOperation {
		t.Fatalf("outcome = %+v, want 501 unsupported_operation", out)
	}
}

func TestExecuteNoActiveCredentials(t *testing.T) {
	eng, st := newTestEngine(t)
	seedProvider(t, st, "openai", models.ProviderKindOpenAI, true)

	rec := httptest.NewRecorder()
	out := eng.Execute(context.Background(), rec, &Inbound{
		Provider: "openai",
		Op:       protocol.OpOpenAIChatGenerate,
		Model:    "gpt-4o",
	})
	if out.ErrorKind != protocol.KindNoActiveCredentials {
		t.Fatalf("outcome = %+v, want no_active_credentials", out)
	}
}

// An aggregate list over providers that all lack credentials answers 200
// with an empty, non-partial payload: missing credentials are a silent skip.
func TestFanOutModelsEmptyIsNotPartial(t *testing.T) {
	eng, st := newTestEngine(t)
	seedProvider(t, st, "openai", models.ProviderKindOpenAI, true)
	seedProvider(t, st, "claude", models.ProviderKindClaude, true)

	rec := httptest.NewRecorder()
	out := eng.FanOutModels(context.Background(), rec, &Inbound{
		Op: protocol.OpOpenAIModelsList,
	})
	if out.Status != 200 {
		t.Fatalf("status = %d, want 200", out.Status)
	}
	body := rec.Body.String()
	if gjson.Get(body, "partial").Bool() {
		t.Fatalf("partial = true for credential-less providers: %s", body)
	}
	var parsed struct {
		Data []json.RawMessage `json:"data"`
	}
	if errParse := json.Unmarshal([]byte(body), &parsed); errParse != nil {
		t.Fatalf("parse body: %v", errParse)
	}
	if len(parsed.Data) != 0 {
		t.Fatalf("%d rows from credential-less providers", len(parsed.Data))
	}
}
