package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/health"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

type blockReason int

const (
	blockReasonNone blockReason = iota
	blockReasonCooldown
	blockReasonDisabled
)

// Selector rotates through a provider's eligible credentials. Eligibility is
// the snapshot order (oldest updated_at first, ties by id) minus disabled
// rows and live health windows.
type Selector struct {
	health *health.Registry

	roundRobinCursor atomic.Uint64
}

// NewSelector wires the selector to the health registry.
func NewSelector(reg *health.Registry) *Selector {
	return &Selector{health: reg}
}

// Pick chooses the next credential of a provider that may serve the model.
// A blank model skips model-scoped windows. The returned errors implement
// StatusCode()/Headers() so handlers can write them directly.
func (s *Selector) Pick(snap *store.Snapshot, providerName, model string, now time.Time) (*store.CredentialView, error) {
	if snap == nil {
		return nil, protocol.NewStatusError(http.StatusServiceUnavailable, protocol.KindNoActiveCredentials, "routing state not loaded")
	}
	view, ok := snap.ProvidersByName[providerName]
	if !ok {
		return nil, protocol.NewStatusError(http.StatusNotFound, protocol.KindUnknownProvider, fmt.Sprintf("unknown provider %q", providerName))
	}
	if !view.Enabled {
		return nil, protocol.NewStatusError(http.StatusConflict, protocol.KindProviderDisabled, fmt.Sprintf("provider %q is disabled", providerName))
	}

	available, cooldownCount, earliest := s.collectAvailable(snap, view, model, now)
	if len(available) == 0 {
		if cooldownCount > 0 && !earliest.IsZero() {
			return nil, newCooldownError(providerName, model, earliest.Sub(now))
		}
		return nil, protocol.NewStatusError(http.StatusServiceUnavailable, protocol.KindNoActiveCredentials, fmt.Sprintf("provider %q has no active credentials", providerName))
	}

	selected := available[0]
	if len(available) > 1 {
		index := s.roundRobinCursor.Add(1) - 1
		selected = available[index%uint64(len(available))]
	}
	if selected.DecodeErr != nil {
		return nil, fmt.Errorf("auth: credential %d has an unreadable secret: %w", selected.ID, selected.DecodeErr)
	}
	return selected, nil
}

// HasCandidate reports whether Pick would currently succeed. The engine uses
// it to stop failover loops early instead of burning the backoff sleep.
func (s *Selector) HasCandidate(snap *store.Snapshot, providerName, model string, now time.Time) bool {
	if snap == nil {
		return false
	}
	view, ok := snap.ProvidersByName[providerName]
	if !ok || !view.Enabled {
		return false
	}
	available, _, _ := s.collectAvailable(snap, view, model, now)
	return len(available) > 0
}

func (s *Selector) collectAvailable(snap *store.Snapshot, view *store.ProviderView, model string, now time.Time) (available []*store.CredentialView, cooldownCount int, earliest time.Time) {
	available = make([]*store.CredentialView, 0, len(view.CredentialIDs))
	for _, id := range view.CredentialIDs {
		cred, ok := snap.Credentials[id]
		if !ok {
			continue
		}
		blocked, until := s.blockedFor(cred, model, now)
		if blocked == blockReasonNone {
			available = append(available, cred)
			continue
		}
		if blocked == blockReasonCooldown {
			cooldownCount++
			if !until.IsZero() && (earliest.IsZero() || until.Before(earliest)) {
				earliest = until
			}
		}
	}
	return available, cooldownCount, earliest
}

func (s *Selector) blockedFor(cred *store.CredentialView, model string, now time.Time) (blockReason, time.Time) {
	if !cred.Enabled {
		return blockReasonDisabled, time.Time{}
	}
	if s.health == nil {
		return blockReasonNone, time.Time{}
	}
	blocked, until, _ := s.health.Blocked(cred.ID, model, now)
	if !blocked {
		return blockReasonNone, time.Time{}
	}
	return blockReasonCooldown, until
}

// cooldownError is returned when every credential of a provider is cooling
// down. It renders as a 429 with Retry-After set to the earliest expiry.
type cooldownError struct {
	provider string
	model    string
	resetIn  time.Duration
}

func newCooldownError(provider, model string, resetIn time.Duration) *cooldownError {
	if resetIn < 0 {
		resetIn = 0
	}
	return &cooldownError{provider: provider, model: model, resetIn: resetIn}
}

func (e *cooldownError) Error() string {
	target := e.model
	if target == "" {
		target = "requested operation"
	}
	message := fmt.Sprintf("all credentials for %s are cooling down via provider %s", target, e.provider)
	display := e.resetIn
	if display > 0 && display < time.Second {
		display = time.Second
	} else {
		display = display.Round(time.Second)
	}
	body := map[string]any{
		"error": map[string]any{
			"kind":          "model_cooldown",
			"message":       message,
			"provider":      e.provider,
			"reset_time":    display.String(),
			"reset_seconds": e.resetSeconds(),
		},
	}
	if e.model != "" {
		body["error"].(map[string]any)["model"] = e.model
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf(`{"error":{"kind":"model_cooldown","message":%q}}`, message)
	}
	return string(data)
}

func (e *cooldownError) resetSeconds() int {
	secs := int(math.Ceil(e.resetIn.Seconds()))
	if secs < 0 {
		secs = 0
	}
	return secs
}

func (e *cooldownError) StatusCode() int {
	return http.StatusTooManyRequests
}

func (e *cooldownError) Headers() http.Header {
	headers := make(http.Header)
	headers.Set("Content-Type", "application/json")
	headers.Set("Retry-After", strconv.Itoa(e.resetSeconds()))
	return headers
}
