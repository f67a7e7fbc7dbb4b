package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
)

func openStoreDB(t *testing.T) *gorm.DB {
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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st := New(openStoreDB(t))
	if errBuild := st.Rebuild(context.Background()); errBuild != nil {
		t.Fatalf("rebuild: %v", errBuild)
	}
	return st
}

func seedBuiltin(t *testing.T, st *Store, kind models.ProviderKind) {
	t.Helper()
	row := models.Provider{Name: string(kind), Kind: kind, Enabled: true}
	if errCreate := st.DB().Create(&row).Error; errCreate != nil {
		t.Fatalf("seed provider: %v", errCreate)
	}
	if errBuild := st.Rebuild(context.Background()); errBuild != nil {
		t.Fatalf("rebuild: %v", errBuild)
	}
}

func TestCreateProviderRebuildsSnapshot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	row, errCreate := st.CreateProvider(ctx, "my-relay", json.RawMessage(`{"base_url":"https://api.example.com"}`))
	if errCreate != nil {
		t.Fatalf("create provider: %v", errCreate)
	}
	if row.Kind != models.ProviderKindCustom {
		t.Fatalf("kind = %q, want custom", row.Kind)
	}

	snap := st.Load()
	view, ok := snap.ProvidersByName["my-relay"]
	if !ok {
		t.Fatal("snapshot missing created provider")
	}
	if !view.Enabled {
		t.Fatal("created provider should start enabled")
	}
}

func TestCreateProviderRejectsSlashName(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateProvider(context.Background(), "a/b", nil); err == nil {
		t.Fatal("expected error for name containing '/'")
	}
}

func TestDeleteBuiltinProviderRefused(t *testing.T) {
	st := newTestStore(t)
	seedBuiltin(t, st, models.ProviderKindOpenAI)

	errDelete := st.DeleteProvider(context.Background(), "openai")
	if !errors.Is(errDelete, ErrBuiltinProvider) {
		t.Fatalf("delete builtin = %v, want ErrBuiltinProvider", errDelete)
	}
}

func TestDeleteCustomProviderCascadesCredentials(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, errCreate := st.CreateProvider(ctx, "my-relay", nil); errCreate != nil {
		t.Fatalf("create provider: %v", errCreate)
	}
	cred, errCred := st.CreateCredential(ctx, "my-relay", "k1", json.RawMessage(`{"custom":{"api_key":"sk-test"}}`))
	if errCred != nil {
		t.Fatalf("create credential: %v", errCred)
	}

	if errDelete := st.DeleteProvider(ctx, "my-relay"); errDelete != nil {
		t.Fatalf("delete provider: %v", errDelete)
	}
	snap := st.Load()
	if _, ok := snap.ProvidersByName["my-relay"]; ok {
		t.Fatal("snapshot still lists deleted provider")
	}
	if _, ok := snap.Credentials[cred.ID]; ok {
		t.Fatal("snapshot still lists cascaded credential")
	}
	if _, errGet := st.GetCredential(ctx, cred.ID); !errors.Is(errGet, ErrCredentialNotFound) {
		t.Fatalf("get cascaded credential = %v, want ErrCredentialNotFound", errGet)
	}
}

func TestCreateCredentialValidatesSecret(t *testing.T) {
	st := newTestStore(t)
	seedBuiltin(t, st, models.ProviderKindOpenAI)
	ctx := context.Background()

	if _, err := st.CreateCredential(ctx, "openai", "bad", json.RawMessage(`{"openai":{"api_key":"a"},"claude":{"api_key":"b"}}`)); err == nil {
		t.Fatal("expected error for multi-dialect secret")
	}
	if _, err := st.CreateCredential(ctx, "missing", "k", json.RawMessage(`{"openai":{"api_key":"a"}}`)); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("create for unknown provider = %v, want ErrProviderNotFound", err)
	}
}

func TestCreateUserKeyMintsLookupableKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	user, errUser := st.CreateUser(ctx, "alice", 0, true)
	if errUser != nil {
		t.Fatalf("create user: %v", errUser)
	}
	row, plaintext, errKey := st.CreateUserKey(ctx, user.ID, "laptop")
	if errKey != nil {
		t.Fatalf("create key: %v", errKey)
	}
	if !strings.HasPrefix(plaintext, "mpa-") {
		t.Fatalf("plaintext %q missing mpa- prefix", plaintext)
	}
	if row.KeyPrefix != plaintext[:keyPrefixLen] {
		t.Fatalf("key prefix = %q, want %q", row.KeyPrefix, plaintext[:keyPrefixLen])
	}

	digest := sha256.Sum256([]byte(plaintext))
	view, ok := st.Load().KeysByHash[hex.EncodeToString(digest[:])]
	if !ok {
		t.Fatal("snapshot missing minted key hash")
	}
	if view.UserID != user.ID || !view.Enabled || !view.UserEnabled {
		t.Fatalf("unexpected key view: %+v", view)
	}
}

func TestDeleteUserCascadesKeys(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	user, _ := st.CreateUser(ctx, "bob", 0, true)
	if _, _, errKey := st.CreateUserKey(ctx, user.ID, ""); errKey != nil {
		t.Fatalf("create key: %v", errKey)
	}
	if errDelete := st.DeleteUser(ctx, user.ID); errDelete != nil {
		t.Fatalf("delete user: %v", errDelete)
	}
	if len(st.Load().KeysByHash) != 0 {
		t.Fatal("snapshot still lists keys of deleted user")
	}
	keys, errList := st.ListUserKeys(ctx, user.ID)
	if errList != nil {
		t.Fatalf("list keys: %v", errList)
	}
	if len(keys) != 0 {
		t.Fatalf("%d key rows survive user deletion", len(keys))
	}
}

func TestSettingsRoundTripAndStaleness(t *testing.T) {
	conn := openStoreDB(t)
	ctx := context.Background()

	if errUpsert := UpsertSetting(ctx, conn, "HOST", json.RawMessage(`"127.0.0.1"`)); errUpsert != nil {
		t.Fatalf("upsert: %v", errUpsert)
	}
	if errLoad := LoadSettings(ctx, conn); errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	stale, errStale := SettingsStale(ctx, conn)
	if errStale != nil {
		t.Fatalf("staleness probe: %v", errStale)
	}
	if stale {
		t.Fatal("fresh snapshot reported stale")
	}

	rows, errList := ListSettings(ctx, conn)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(rows) != 1 || rows[0].Key != "HOST" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}
