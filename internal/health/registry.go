package health

import (
	"sync"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

// Summary is the aggregate availability label of one credential.
type Summary string

// Summary labels exposed by the admin API.
const (
	SummaryActive             Summary = "active"
	SummaryPartialUnavailable Summary = "partial_unavailable"
	SummaryFullyUnavailable   Summary = "fully_unavailable"
	SummaryDisabled           Summary = "disabled"
)

// Window is one live unavailability window.
type Window struct {
	Reason provider.UnavailableReason `json:"reason"`
	Until  time.Time                  `json:"until"`
}

// ModelWindow is a window scoped to a single model.
type ModelWindow struct {
	Model  string                     `json:"model"`
	Reason provider.UnavailableReason `json:"reason"`
	Until  time.Time                  `json:"until"`
}

type credentialState struct {
	cooldownUntil  time.Time
	cooldownReason provider.UnavailableReason
	models         map[string]Window
}

func (s *credentialState) empty(now time.Time) bool {
	if s.cooldownUntil.After(now) {
		return false
	}
	for _, w := range s.models {
		if w.Until.After(now) {
			return false
		}
	}
	return true
}

const shardCount = 16

type shard struct {
	mu     sync.RWMutex
	states map[uint64]*credentialState
}

// Registry tracks per-credential unavailability windows in memory. Windows
// are absolute deadlines; expired entries are ignored on read and reaped by
// Sweep. State is rebuilt from scratch after a restart, which only costs one
// wasted attempt per previously cooled credential.
type Registry struct {
	shards [shardCount]shard
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].states = make(map[uint64]*credentialState)
	}
	return r
}

func (r *Registry) shardFor(credID uint64) *shard {
	return &r.shards[credID%shardCount]
}

// Mark applies an unavailability decision to a credential. Model-scoped
// decisions only block the given model; others block the whole credential.
func (r *Registry) Mark(credID uint64, model string, d provider.UnavailableDecision) {
	if !d.Mark {
		return
	}
	sh := r.shardFor(credID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	state := sh.states[credID]
	if state == nil {
		state = &credentialState{}
		sh.states[credID] = state
	}
	if d.ModelScoped && model != "" {
		if state.models == nil {
			state.models = make(map[string]Window, 1)
		}
		state.models[model] = Window{Reason: d.Reason, Until: d.Until}
		return
	}
	if d.Until.After(state.cooldownUntil) {
		state.cooldownUntil = d.Until
		state.cooldownReason = d.Reason
	}
}

// Clear drops every window of a credential. Called when an admin re-enables
// it or its secret changes.
func (r *Registry) Clear(credID uint64) {
	sh := r.shardFor(credID)
	sh.mu.Lock()
	delete(sh.states, credID)
	sh.mu.Unlock()
}

// Blocked reports whether the credential may serve the given model now.
// A blank model only honors credential-wide cooldowns. The returned deadline
// is the earliest instant the block lifts.
func (r *Registry) Blocked(credID uint64, model string, now time.Time) (bool, time.Time, provider.UnavailableReason) {
	sh := r.shardFor(credID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	state := sh.states[credID]
	if state == nil {
		return false, time.Time{}, ""
	}
	if state.cooldownUntil.After(now) {
		return true, state.cooldownUntil, state.cooldownReason
	}
	if model == "" {
		return false, time.Time{}, ""
	}
	if w, ok := state.models[model]; ok && w.Until.After(now) {
		return true, w.Until, w.Reason
	}
	return false, time.Time{}, ""
}

// Summarize folds the live windows into the admin-facing label. A disabled
// credential is always "disabled"; a credential-wide cooldown is
// "fully_unavailable"; live model windows make it "partial_unavailable".
func (r *Registry) Summarize(credID uint64, enabled bool, now time.Time) Summary {
	if !enabled {
		return SummaryDisabled
	}
	sh := r.shardFor(credID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	state := sh.states[credID]
	if state == nil {
		return SummaryActive
	}
	if state.cooldownUntil.After(now) {
		return SummaryFullyUnavailable
	}
	for _, w := range state.models {
		if w.Until.After(now) {
			return SummaryPartialUnavailable
		}
	}
	return SummaryActive
}

// Windows returns the live windows of a credential for admin listings. The
// first return is the credential-wide cooldown, nil when none is running.
func (r *Registry) Windows(credID uint64, now time.Time) (*Window, []ModelWindow) {
	sh := r.shardFor(credID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	state := sh.states[credID]
	if state == nil {
		return nil, nil
	}
	var cooldown *Window
	if state.cooldownUntil.After(now) {
		cooldown = &Window{Reason: state.cooldownReason, Until: state.cooldownUntil}
	}
	var models []ModelWindow
	for model, w := range state.models {
		if w.Until.After(now) {
			models = append(models, ModelWindow{Model: model, Reason: w.Reason, Until: w.Until})
		}
	}
	return cooldown, models
}

// Sweep reaps expired windows. The watcher runs it on its poll tick so the
// maps do not grow with dead models.
func (r *Registry) Sweep(now time.Time) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for id, state := range sh.states {
			if !state.cooldownUntil.After(now) {
				state.cooldownUntil = time.Time{}
				state.cooldownReason = ""
			}
			for model, w := range state.models {
				if !w.Until.After(now) {
					delete(state.models, model)
				}
			}
			if state.empty(now) {
				delete(sh.states, id)
			}
		}
		sh.mu.Unlock()
	}
}
