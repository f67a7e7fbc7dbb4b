package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

func TestExtractKeyPrecedence(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages?key=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-bearer")
	r.Header.Set("x-api-key", "from-x-api-key")
	r.Header.Set("x-goog-api-key", "from-goog")

	key, source := ExtractKey(r)
	if key != "from-bearer" || source != SourceBearer {
		t.Fatalf("got (%q, %v), want bearer first", key, source)
	}

	r.Header.Del("Authorization")
	key, source = ExtractKey(r)
	if key != "from-x-api-key" || source != SourceXAPIKey {
		t.Fatalf("got (%q, %v), want x-api-key second", key, source)
	}

	r.Header.Del("x-api-key")
	key, source = ExtractKey(r)
	if key != "from-goog" || source != SourceGoogAPIKey {
		t.Fatalf("got (%q, %v), want x-goog-api-key third", key, source)
	}

	r.Header.Del("x-goog-api-key")
	key, source = ExtractKey(r)
	if key != "from-query" || source != SourceQuery {
		t.Fatalf("got (%q, %v), want query last", key, source)
	}
}

func TestExtractKeyIgnoresNonBearerAuthorization(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/models", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if key, source := ExtractKey(r); key != "" || source != SourceNone {
		t.Fatalf("got (%q, %v), want nothing for basic auth", key, source)
	}
}

func TestStripKeyMaterial(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1beta/models/gemini-2.5-pro:generateContent?key=abc&alt=sse", nil)
	r.Header.Set("Authorization", "Bearer k")
	r.Header.Set("x-api-key", "k")
	r.Header.Set("x-goog-api-key", "k")

	StripKeyMaterial(r)

	if r.Header.Get("Authorization") != "" || r.Header.Get("x-api-key") != "" || r.Header.Get("x-goog-api-key") != "" {
		t.Fatalf("headers not stripped: %v", r.Header)
	}
	if r.URL.Query().Get("key") != "" {
		t.Fatalf("query key not stripped: %s", r.URL.RawQuery)
	}
	if r.URL.Query().Get("alt") != "sse" {
		t.Fatalf("unrelated query params must survive: %s", r.URL.RawQuery)
	}
}

func TestAuthenticate(t *testing.T) {
	key := "sk-test-1234"
	snap := &store.Snapshot{
		KeysByHash: map[string]*store.UserKeyView{
			HashKey(key): {ID: 11, UserID: 3, KeyHash: HashKey(key), Enabled: true, UserEnabled: true},
		},
	}

	view, err := Authenticate(snap, key)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if view.ID != 11 || view.UserID != 3 {
		t.Fatalf("resolved (%d, %d), want (11, 3)", view.ID, view.UserID)
	}

	if _, err := Authenticate(snap, "sk-wrong"); err != ErrUnauthorized {
		t.Fatalf("unknown key error = %v, want ErrUnauthorized", err)
	}
	if _, err := Authenticate(snap, ""); err != ErrUnauthorized {
		t.Fatalf("empty key error = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticateDisabled(t *testing.T) {
	keyDisabled := "sk-disabled"
	userDisabled := "sk-user-off"
	snap := &store.Snapshot{
		KeysByHash: map[string]*store.UserKeyView{
			HashKey(keyDisabled):  {ID: 1, UserID: 1, KeyHash: HashKey(keyDisabled), Enabled: false, UserEnabled: true},
			HashKey(userDisabled): {ID: 2, UserID: 2, KeyHash: HashKey(userDisabled), Enabled: true, UserEnabled: false},
		},
	}

	if _, err := Authenticate(snap, keyDisabled); err != ErrKeyDisabled {
		t.Fatalf("disabled key error = %v, want ErrKeyDisabled", err)
	}
	if _, err := Authenticate(snap, userDisabled); err != ErrUserDisabled {
		t.Fatalf("disabled user error = %v, want ErrUserDisabled", err)
	}
}
