package settings

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// dbConfig is one immutable snapshot of the settings table.
type dbConfig struct {
	maxUpdatedAt time.Time
	values       map[string]json.RawMessage
}

var current atomic.Pointer[dbConfig]

// StoreDBConfig swaps in a freshly loaded settings snapshot. Callers pass
// the table's newest updated_at so readers can cheaply detect staleness.
func StoreDBConfig(maxUpdatedAt time.Time, values map[string]json.RawMessage) {
	copied := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		copied[k] = v
	}
	current.Store(&dbConfig{maxUpdatedAt: maxUpdatedAt, values: copied})
}

// MaxUpdatedAt returns the newest updated_at of the loaded snapshot.
func MaxUpdatedAt() time.Time {
	if cfg := current.Load(); cfg != nil {
		return cfg.maxUpdatedAt
	}
	return time.Time{}
}

// Value returns the raw JSON for a settings key.
func Value(key string) (json.RawMessage, bool) {
	cfg := current.Load()
	if cfg == nil {
		return nil, false
	}
	v, ok := cfg.values[key]
	return v, ok
}

// String reads a string setting, accepting bare strings for operator edits.
func String(key, fallback string) string {
	raw, ok := Value(key)
	if !ok || len(raw) == 0 {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			return trimmed
		}
		return fallback
	}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && trimmed != "null" {
		return trimmed
	}
	return fallback
}

// Int reads an integer setting, accepting number and quoted forms.
func Int(key string, fallback int) int {
	raw, ok := Value(key)
	if !ok || len(raw) == 0 {
		return fallback
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, errParse := strconv.Atoi(strings.TrimSpace(s)); errParse == nil {
			return parsed
		}
	}
	return fallback
}

// Bool reads a boolean setting, accepting bool and quoted forms.
func Bool(key string, fallback bool) bool {
	raw, ok := Value(key)
	if !ok || len(raw) == 0 {
		return fallback
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, errParse := strconv.ParseBool(strings.TrimSpace(s)); errParse == nil {
			return parsed
		}
	}
	return fallback
}
