package settings

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSnapshotAccessors(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	StoreDBConfig(at, map[string]json.RawMessage{
		RateLimitKey:            json.RawMessage(`25`),
		RateLimitRedisAddrKey:   json.RawMessage(`"localhost:6379"`),
		EventRedactSensitiveKey: json.RawMessage(`false`),
		"QUOTED_INT":            json.RawMessage(`"42"`),
		"QUOTED_BOOL":           json.RawMessage(`"true"`),
		"EMPTY":                 json.RawMessage(``),
	})

	if !MaxUpdatedAt().Equal(at) {
		t.Fatalf("max updated at = %v", MaxUpdatedAt())
	}
	if got := Int(RateLimitKey, 0); got != 25 {
		t.Fatalf("int = %d", got)
	}
	if got := Int("QUOTED_INT", 0); got != 42 {
		t.Fatalf("quoted int = %d", got)
	}
	if got := String(RateLimitRedisAddrKey, ""); got != "localhost:6379" {
		t.Fatalf("string = %q", got)
	}
	if got := Bool(EventRedactSensitiveKey, true); got {
		t.Fatalf("bool should read false")
	}
	if got := Bool("QUOTED_BOOL", false); !got {
		t.Fatalf("quoted bool should read true")
	}
	if got := Int("EMPTY", 7); got != 7 {
		t.Fatalf("empty value should fall back, got %d", got)
	}
	if got := Int("MISSING", 9); got != 9 {
		t.Fatalf("missing key should fall back, got %d", got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	src := map[string]json.RawMessage{"A": json.RawMessage(`1`)}
	StoreDBConfig(time.Now(), src)
	src["A"] = json.RawMessage(`2`)
	if got := Int("A", 0); got != 1 {
		t.Fatalf("snapshot must copy the input map, got %d", got)
	}
}
