package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// KeySource says where a downstream key was presented. The source feeds
// dialect disambiguation on shared routes like GET /v1/models.
type KeySource int

// KeySource constants in extraction precedence order.
const (
	SourceNone KeySource = iota
	SourceBearer
	SourceXAPIKey
	SourceGoogAPIKey
	SourceQuery
)

// Authentication failures. The HTTP layer maps ErrUnauthorized to 401 and
// the disabled variants to 403.
var (
	ErrUnauthorized = errors.New("auth: unknown api key")
	ErrKeyDisabled  = errors.New("auth: api key disabled")
	ErrUserDisabled = errors.New("auth: user disabled")
)

// ExtractKey pulls the downstream API key from a request. Precedence:
// Authorization bearer, x-api-key, x-goog-api-key, then the key query
// parameter. The first non-empty value wins.
func ExtractKey(r *http.Request) (string, KeySource) {
	if raw := strings.TrimSpace(r.Header.Get("Authorization")); raw != "" {
		if token, ok := bearerToken(raw); ok && token != "" {
			return token, SourceBearer
		}
	}
	if key := strings.TrimSpace(r.Header.Get("x-api-key")); key != "" {
		return key, SourceXAPIKey
	}
	if key := strings.TrimSpace(r.Header.Get("x-goog-api-key")); key != "" {
		return key, SourceGoogAPIKey
	}
	if key := strings.TrimSpace(r.URL.Query().Get("key")); key != "" {
		return key, SourceQuery
	}
	return "", SourceNone
}

// StripKeyMaterial removes every downstream credential carrier so it can
// never leak into an upstream call or a trace record.
func StripKeyMaterial(r *http.Request) {
	r.Header.Del("Authorization")
	r.Header.Del("x-api-key")
	r.Header.Del("x-goog-api-key")
	q := r.URL.Query()
	if q.Has("key") {
		q.Del("key")
		r.URL.RawQuery = q.Encode()
	}
}

func bearerToken(raw string) (string, bool) {
	const prefix = "bearer "
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(raw[len(prefix):]), true
}

// HashKey returns the hex SHA-256 digest under which keys are stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a presented key against the snapshot. The map lookup
// already happens on the digest; the extra constant-time compare keeps the
// full verification independent of memory layout.
func Authenticate(snap *store.Snapshot, presented string) (*store.UserKeyView, error) {
	if snap == nil || presented == "" {
		return nil, ErrUnauthorized
	}
	hash := HashKey(presented)
	view, ok := snap.KeysByHash[hash]
	if !ok {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(view.KeyHash)) != 1 {
		return nil, ErrUnauthorized
	}
	if !view.Enabled {
		return nil, ErrKeyDisabled
	}
	if !view.UserEnabled {
		return nil, ErrUserDisabled
	}
	return view, nil
}
