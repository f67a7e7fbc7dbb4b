package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScrubPlaceholders(t *testing.T) {
	if got := Scrub("${ADMIN_KEY}"); got != "" {
		t.Fatalf("placeholder should read as unset, got %q", got)
	}
	if got := Scrub(" ${DB_CONNECTION} "); got != "" {
		t.Fatalf("padded placeholder should read as unset, got %q", got)
	}
	if got := Scrub("sk-live-abc"); got != "sk-live-abc" {
		t.Fatalf("plain value mangled: %q", got)
	}
	if got := Scrub("prefix-${NAME}"); got != "prefix-${NAME}" {
		t.Fatalf("embedded braces are a literal value, got %q", got)
	}
}

func TestMergePrecedence(t *testing.T) {
	flagPort := 9000
	envPort := 9100
	envHost := "127.0.0.1"
	fileHost := "0.0.0.0"
	fileDSN := "postgres://db/gateway"

	merged := Merge(
		Options{Port: &flagPort},
		Options{Port: &envPort, Host: &envHost},
		Options{Host: &fileHost, DatabaseDSN: &fileDSN},
	)
	if merged.Port == nil || *merged.Port != 9000 {
		t.Fatalf("flag port should win")
	}
	if merged.Host == nil || *merged.Host != "127.0.0.1" {
		t.Fatalf("env host should win over file")
	}
	if merged.DatabaseDSN == nil || *merged.DatabaseDSN != fileDSN {
		t.Fatalf("file dsn should fill the gap")
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg := Options{}.Resolve()
	if cfg.Host != DefaultHost || cfg.Port != DefaultPort {
		t.Fatalf("unexpected listen defaults: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.DatabaseDSN != DefaultDSN {
		t.Fatalf("unexpected dsn default: %s", cfg.DatabaseDSN)
	}
	if !cfg.RedactSensitive {
		t.Fatalf("redaction must default on")
	}
	if cfg.Addr() != "0.0.0.0:8787" {
		t.Fatalf("addr = %s", cfg.Addr())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("host: 10.0.0.5\nport: 9999\nadmin-key: ${ADMIN_KEY}\ndatabase:\n  dsn: postgres://db/gw\nevent-redact-sensitive: false\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.Host == nil || *opts.Host != "10.0.0.5" {
		t.Fatalf("host not loaded")
	}
	if opts.Port == nil || *opts.Port != 9999 {
		t.Fatalf("port not loaded")
	}
	if opts.AdminKey != nil {
		t.Fatalf("placeholder admin key must read as unset")
	}
	if opts.DatabaseDSN == nil || *opts.DatabaseDSN != "postgres://db/gw" {
		t.Fatalf("nested dsn not loaded")
	}
	if opts.RedactSensitive == nil || *opts.RedactSensitive {
		t.Fatalf("redact override not loaded")
	}

	if _, err := LoadFromFile(filepath.Join(dir, "missing.yaml")); err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvHost, "192.168.1.1")
	t.Setenv(EnvPort, "8080")
	t.Setenv(EnvAdminKey, "${ADMIN_KEY}")
	t.Setenv(EnvRedactSensitive, "false")

	opts := LoadFromEnv()
	if opts.Host == nil || *opts.Host != "192.168.1.1" {
		t.Fatalf("env host not loaded")
	}
	if opts.Port == nil || *opts.Port != 8080 {
		t.Fatalf("env port not loaded")
	}
	if opts.AdminKey != nil {
		t.Fatalf("placeholder admin key must read as unset")
	}
	if opts.RedactSensitive == nil || *opts.RedactSensitive {
		t.Fatalf("env redact not loaded")
	}
}
