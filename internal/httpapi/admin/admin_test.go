package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/auth"
	"github.com/router-for-me/ModelProxyAPI/internal/health"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/settings"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

const testAdminKey = "test-admin-key"

func init() {
	gin.SetMode(gin.TestMode)
}

type adminFixture struct {
	store  *store.Store
	router *gin.Engine
}

func newAdminFixture(t *testing.T) *adminFixture {
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
		&models.DownstreamRequest{},
		&models.UpstreamRequest{},
		&models.UpstreamUsage{},
	}
	if errMigrate := conn.AutoMigrate(entities...); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	hash, errHash := auth.HashAdminKey(testAdminKey)
	if errHash != nil {
		t.Fatalf("hash admin key: %v", errHash)
	}
	payload, _ := json.Marshal(hash)
	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{
		settings.AdminKeyHashKey: payload,
	})
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })

	st := store.New(conn)
	if errBuild := st.Rebuild(context.Background()); errBuild != nil {
		t.Fatalf("rebuild: %v", errBuild)
	}

	r := gin.New()
	RegisterAdminRoutes(r, Deps{Store: st, Health: health.NewRegistry(), DB: conn})
	return &adminFixture{store: st, router: r}
}

func (f *adminFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("x-admin-key", testAdminKey)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminRejectsMissingKey(t *testing.T) {
	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v0/admin/providers", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdminRejectsWrongKey(t *testing.T) {
	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v0/admin/providers", nil)
	req.Header.Set("x-admin-key", "wrong")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestProviderLifecycle(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodPost, "/v0/admin/providers", `{"name":"my-relay","channel_settings":{"base_url":"https://api.example.com"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	if kind := gjson.Get(rec.Body.String(), "kind").String(); kind != "custom" {
		t.Fatalf("kind = %q, want custom", kind)
	}

	rec = f.do(http.MethodGet, "/v0/admin/providers/my-relay", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = f.do(http.MethodPut, "/v0/admin/providers/my-relay", `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	if gjson.Get(rec.Body.String(), "enabled").Bool() {
		t.Fatal("provider still enabled after disable")
	}

	rec = f.do(http.MethodDelete, "/v0/admin/providers/my-relay", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteBuiltinProviderConflict(t *testing.T) {
	f := newAdminFixture(t)
	row := models.Provider{Name: "openai", Kind: models.ProviderKindOpenAI, Enabled: true}
	if errCreate := f.store.DB().Create(&row).Error; errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}
	rec := f.do(http.MethodDelete, "/v0/admin/providers/openai", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestUserKeyPlaintextShownOnce(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodPost, "/v0/admin/users", `{"name":"alice"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user status = %d: %s", rec.Code, rec.Body.String())
	}
	userID := gjson.Get(rec.Body.String(), "id").String()

	rec = f.do(http.MethodPost, "/v0/admin/users/"+userID+"/keys", `{"name":"laptop"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key status = %d: %s", rec.Code, rec.Body.String())
	}
	plaintext := gjson.Get(rec.Body.String(), "key").String()
	if !strings.HasPrefix(plaintext, "mpa-") {
		t.Fatalf("key = %q, want mpa- prefix", plaintext)
	}

	rec = f.do(http.MethodGet, "/v0/admin/keys", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	listing := rec.Body.String()
	if strings.Contains(listing, plaintext) {
		t.Fatal("listing leaks the plaintext key")
	}
	if !strings.Contains(listing, plaintext[:12]) {
		t.Fatal("listing missing the key prefix")
	}
}

func TestLogsRejectOffsetPagination(t *testing.T) {
	f := newAdminFixture(t)
	rec := f.do(http.MethodGet, "/v0/admin/logs?offset=50", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestLogsEmptyPage(t *testing.T) {
	f := newAdminFixture(t)
	rec := f.do(http.MethodGet, "/v0/admin/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSettingsListMasksSecrets(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	if errUpsert := store.UpsertSetting(ctx, f.store.DB(), settings.AdminKeyHashKey, json.RawMessage(`"bcrypt-hash"`)); errUpsert != nil {
		t.Fatalf("upsert: %v", errUpsert)
	}
	if errUpsert := store.UpsertSetting(ctx, f.store.DB(), settings.HostKey, json.RawMessage(`"0.0.0.0"`)); errUpsert != nil {
		t.Fatalf("upsert: %v", errUpsert)
	}

	rec := f.do(http.MethodGet, "/v0/admin/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if strings.Contains(body, "bcrypt-hash") {
		t.Fatal("settings listing leaks the admin key hash")
	}
	if !strings.Contains(body, "0.0.0.0") {
		t.Fatal("settings listing dropped a plain value")
	}
}

func TestOTPGuardsDestructiveRoutes(t *testing.T) {
	f := newAdminFixture(t)

	// Arm the second factor.
	hash, _ := auth.HashAdminKey(testAdminKey)
	hashPayload, _ := json.Marshal(hash)
	secretPayload, _ := json.Marshal("JBSWY3DPEHPK3PXP")
	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{
		settings.AdminKeyHashKey:    hashPayload,
		settings.AdminTOTPSecretKey: secretPayload,
	})

	row := models.Provider{Name: "scratch", Kind: models.ProviderKindCustom, Enabled: true}
	if errCreate := f.store.DB().Create(&row).Error; errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}

	rec := f.do(http.MethodDelete, "/v0/admin/providers/scratch", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	// Non-destructive routes stay reachable without the OTP.
	rec = f.do(http.MethodGet, "/v0/admin/providers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
}

func TestUsageRollupEmpty(t *testing.T) {
	f := newAdminFixture(t)
	rec := f.do(http.MethodGet, "/v0/admin/usage/providers/openai/tokens", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "count").Int(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}
