// Package oauth tracks in-flight interactive token flows. Pending state
// lives in a mutex-guarded map backed by the oauth_pending table so flows
// survive a restart; entries leave on completion or when the sweeper passes
// their deadline.
package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultTTL bounds how long a started flow waits for its callback.
const DefaultTTL = 10 * time.Minute

type pendingEntry struct {
	provider string
	flow     *provider.PendingFlow
}

// Registry is the pending-flow state machine shared by every provider's
// oauth surface.
type Registry struct {
	db *gorm.DB

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewRegistry loads the unexpired pending rows back into memory.
func NewRegistry(db *gorm.DB) (*Registry, error) {
	r := &Registry{db: db, pending: make(map[string]*pendingEntry)}
	if db == nil {
		return r, nil
	}
	var rows []models.OAuthPending
	if err := db.Where("expires_at > ?", time.Now()).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("oauth: load pending flows: %w", err)
	}
	for i := range rows {
		row := &rows[i]
		payload := map[string]any{}
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &payload); err != nil {
				log.WithError(err).WithField("state", row.State).Warn("oauth: dropping undecodable pending flow")
				continue
			}
		}
		r.pending[row.State] = &pendingEntry{
			provider: row.ProviderName,
			flow: &provider.PendingFlow{
				State:     row.State,
				Mode:      row.Mode,
				Payload:   payload,
				CreatedAt: row.CreatedAt,
				ExpiresAt: row.ExpiresAt,
			},
		}
	}
	return r, nil
}

// Put stores the started flow under its state token.
func (r *Registry) Put(providerName string, res *provider.OAuthStartResult) error {
	if res.State == "" {
		return errors.New("oauth: started flow carries no state")
	}
	expires := res.ExpiresAt
	if expires.IsZero() {
		expires = time.Now().Add(DefaultTTL)
	}
	flow := &provider.PendingFlow{
		State:     res.State,
		Mode:      res.Mode,
		Payload:   res.Payload,
		CreatedAt: time.Now(),
		ExpiresAt: expires,
	}

	if r.db != nil {
		payload, err := json.Marshal(res.Payload)
		if err != nil {
			return fmt.Errorf("oauth: encode pending payload: %w", err)
		}
		row := models.OAuthPending{
			State:        res.State,
			ProviderName: providerName,
			Mode:         res.Mode,
			Payload:      payload,
			ExpiresAt:    expires,
		}
		if err := r.db.Create(&row).Error; err != nil {
			return fmt.Errorf("oauth: persist pending flow: %w", err)
		}
	}

	r.mu.Lock()
	r.pending[res.State] = &pendingEntry{provider: providerName, flow: flow}
	r.mu.Unlock()
	return nil
}

// Resolve finds the pending flow a callback belongs to. An explicit state
// wins; with no state the provider's single pending flow is used, and more
// than one pending flow makes the callback ambiguous.
func (r *Registry) Resolve(providerName, state string) (*provider.PendingFlow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if state != "" {
		entry, ok := r.pending[state]
		if !ok || entry.provider != providerName || !entry.flow.ExpiresAt.After(now) {
			return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindStateMismatch,
				"no pending flow for the given state")
		}
		return entry.flow, nil
	}

	var found *provider.PendingFlow
	for _, entry := range r.pending {
		if entry.provider != providerName || !entry.flow.ExpiresAt.After(now) {
			continue
		}
		if found != nil {
			return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindAmbiguousState,
				"multiple pending flows, pass state explicitly")
		}
		found = entry.flow
	}
	if found == nil {
		return nil, protocol.NewStatusError(http.StatusBadRequest, protocol.KindStateMismatch,
			"no pending flow for this provider")
	}
	return found, nil
}

// Update rewrites the payload of a pending flow, keeping its deadline. The
// device flow stores poll bookkeeping between callbacks.
func (r *Registry) Update(state string, payload map[string]any) error {
	r.mu.Lock()
	entry, ok := r.pending[state]
	if ok {
		entry.flow.Payload = payload
	}
	r.mu.Unlock()
	if !ok {
		return errors.New("oauth: no pending flow to update")
	}
	if r.db != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("oauth: encode pending payload: %w", err)
		}
		if err := r.db.Model(&models.OAuthPending{}).Where("state = ?", state).
			Update("payload", raw).Error; err != nil {
			return fmt.Errorf("oauth: update pending flow: %w", err)
		}
	}
	return nil
}

// Complete removes a finished flow.
func (r *Registry) Complete(state string) {
	r.mu.Lock()
	delete(r.pending, state)
	r.mu.Unlock()
	if r.db != nil {
		if err := r.db.Where("state = ?", state).Delete(&models.OAuthPending{}).Error; err != nil {
			log.WithError(err).WithField("state", state).Warn("oauth: delete pending flow")
		}
	}
}

// Sweep drops flows past their deadline and returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []string
	for state, entry := range r.pending {
		if !entry.flow.ExpiresAt.After(now) {
			expired = append(expired, state)
		}
	}
	for _, state := range expired {
		delete(r.pending, state)
	}
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.Where("expires_at <= ?", now).Delete(&models.OAuthPending{}).Error; err != nil {
			log.WithError(err).Warn("oauth: sweep pending flows")
		}
	}
	return len(expired)
}
