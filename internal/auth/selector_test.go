package auth

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/health"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

func snapshotWith(creds ...*store.CredentialView) *store.Snapshot {
	view := &store.ProviderView{Name: "openai", Enabled: true}
	snap := &store.Snapshot{
		ProvidersByName: map[string]*store.ProviderView{"openai": view},
		Credentials:     make(map[uint64]*store.CredentialView, len(creds)),
	}
	for _, cred := range creds {
		cred.ProviderName = "openai"
		snap.Credentials[cred.ID] = cred
		view.CredentialIDs = append(view.CredentialIDs, cred.ID)
	}
	snap.Providers = []*store.ProviderView{view}
	return snap
}

func TestPickRoundRobin(t *testing.T) {
	snap := snapshotWith(
		&store.CredentialView{ID: 1, Enabled: true, Secret: &provider.Secret{OpenAI: &provider.APIKeySecret{APIKey: "a"}}},
		&store.CredentialView{ID: 2, Enabled: true, Secret: &provider.Secret{OpenAI: &provider.APIKeySecret{APIKey: "b"}}},
		&store.CredentialView{ID: 3, Enabled: true, Secret: &provider.Secret{OpenAI: &provider.APIKeySecret{APIKey: "c"}}},
	)
	s := NewSelector(health.NewRegistry())
	now := time.Now()

	seen := make(map[uint64]int)
	for i := 0; i < 6; i++ {
		cred, err := s.Pick(snap, "openai", "gpt-4o", now)
		if err != nil {
			t.Fatalf("Pick #%d: %v", i, err)
		}
		seen[cred.ID]++
	}
	for id := uint64(1); id <= 3; id++ {
		if seen[id] != 2 {
			t.Fatalf("credential %d picked %d times, want 2 (seen=%v)", id, seen[id], seen)
		}
	}
}

func TestPickSkipsDisabledAndCooled(t *testing.T) {
	snap := snapshotWith(
		&store.CredentialView{ID: 1, Enabled: false},
		&store.CredentialView{ID: 2, Enabled: true, Secret: &provider.Secret{OpenAI: &provider.APIKeySecret{APIKey: "b"}}},
		&store.CredentialView{ID: 3, Enabled: true, Secret: &provider.Secret{OpenAI: &provider.APIKeySecret{APIKey: "c"}}},
	)
	reg := health.NewRegistry()
	now := time.Now()
	reg.Mark(3, "", provider.UnavailableDecision{Mark: true, Until: now.Add(time.Minute), Reason: provider.ReasonUpstream5xx})

	s := NewSelector(reg)
	for i := 0; i < 4; i++ {
		cred, err := s.Pick(snap, "openai", "gpt-4o", now)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if cred.ID != 2 {
			t.Fatalf("picked %d, want only eligible credential 2", cred.ID)
		}
	}
}

func TestPickModelScopedWindowOnlyBlocksThatModel(t *testing.T) {
	snap := snapshotWith(
		&store.CredentialView{ID: 1, Enabled: true, Secret: &provider.Secret{OpenAI: &provider.APIKeySecret{APIKey: "a"}}},
	)
	reg := health.NewRegistry()
	now := time.Now()
	reg.Mark(1, "gpt-4o", provider.UnavailableDecision{
		Mark: true, Until: now.Add(time.Minute), Reason: provider.ReasonRateLimit, ModelScoped: true,
	})

	s := NewSelector(reg)
	if _, err := s.Pick(snap, "openai", "gpt-4o", now); err == nil {
		t.Fatalf("expected cooldown error for scoped model")
	}
	if _, err := s.Pick(snap, "openai", "gpt-4o-mini", now); err != nil {
		t.Fatalf("other model should pass: %v", err)
	}
}

func TestPickAllCoolingDownCarriesRetryAfter(t *testing.T) {
	snap := snapshotWith(
		&store.CredentialView{ID: 1, Enabled: true},
		&store.CredentialView{ID: 2, Enabled: true},
	)
	reg := health.NewRegistry()
	now := time.Now()
	reg.Mark(1, "", provider.UnavailableDecision{Mark: true, Until: now.Add(40 * time.Second), Reason: provider.ReasonRateLimit})
	reg.Mark(2, "", provider.UnavailableDecision{Mark: true, Until: now.Add(25 * time.Second), Reason: provider.ReasonRateLimit})

	s := NewSelector(reg)
	_, err := s.Pick(snap, "openai", "gpt-4o", now)
	if err == nil {
		t.Fatalf("expected cooldown error")
	}
	he, ok := err.(interface {
		StatusCode() int
		Headers() http.Header
	})
	if !ok {
		t.Fatalf("error %T does not carry status/headers", err)
	}
	if he.StatusCode() != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", he.StatusCode())
	}
	// Retry-After follows the earliest window, credential 2's 25s.
	if got := he.Headers().Get("Retry-After"); got != "25" {
		t.Fatalf("Retry-After = %q, want 25", got)
	}
}

func TestPickNoCredentials(t *testing.T) {
	snap := snapshotWith()
	s := NewSelector(health.NewRegistry())

	_, err := s.Pick(snap, "openai", "gpt-4o", time.Now())
	var se *protocol.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error %T, want StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Kind != protocol.KindNoActiveCredentials {
		t.Fatalf("got (%d, %s), want 503 no_active_credentials", se.Code, se.Kind)
	}
}

func TestPickUnknownAndDisabledProvider(t *testing.T) {
	snap := snapshotWith()
	s := NewSelector(health.NewRegistry())

	_, err := s.Pick(snap, "missing", "", time.Now())
	var se *protocol.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("unknown provider error = %v, want 404", err)
	}

	snap.ProvidersByName["openai"].Enabled = false
	_, err = s.Pick(snap, "openai", "", time.Now())
	if !errors.As(err, &se) || se.Kind != protocol.KindProviderDisabled {
		t.Fatalf("disabled provider error = %v, want provider_disabled", err)
	}
}

func TestPickSurfacesDecodeError(t *testing.T) {
	bad := errors.New("bad payload")
	snap := snapshotWith(
		&store.CredentialView{ID: 1, Enabled: true, DecodeErr: bad},
	)
	s := NewSelector(health.NewRegistry())

	_, err := s.Pick(snap, "openai", "", time.Now())
	if !errors.Is(err, bad) {
		t.Fatalf("expected decode error surfaced, got %v", err)
	}
}

func TestHasCandidate(t *testing.T) {
	snap := snapshotWith(
		&store.CredentialView{ID: 1, Enabled: true},
	)
	reg := health.NewRegistry()
	s := NewSelector(reg)
	now := time.Now()

	if !s.HasCandidate(snap, "openai", "m", now) {
		t.Fatalf("expected candidate before cooldown")
	}
	reg.Mark(1, "", provider.UnavailableDecision{Mark: true, Until: now.Add(time.Minute), Reason: provider.ReasonUpstream5xx})
	if s.HasCandidate(snap, "openai", "m", now) {
		t.Fatalf("expected no candidate during cooldown")
	}
}
