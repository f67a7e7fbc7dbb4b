package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProviderView is the immutable routing view of one provider row.
type ProviderView struct {
	ID       uint64
	Name     string
	Kind     models.ProviderKind
	Enabled  bool
	Settings *provider.ChannelSettings

	// CredentialIDs is ordered oldest updated_at first, ties by ID, which is
	// the order the selector rotates through.
	CredentialIDs []uint64
}

// CredentialView is the immutable dispatch view of one credential row.
// DecodeErr is surfaced when the credential is actually selected so a bad
// payload fails loudly instead of silently shrinking the pool.
type CredentialView struct {
	ID           uint64
	ProviderName string
	Name         string
	Enabled      bool
	UpdatedAt    time.Time
	Secret       *provider.Secret
	DecodeErr    error
}

// UserKeyView resolves a presented API key to its owners.
type UserKeyView struct {
	ID            uint64
	UserID        uint64
	KeyHash       string
	Enabled       bool
	UserEnabled   bool
	UserRateLimit int
}

// Snapshot is one immutable copy of the routing state. Readers get it from
// Store.Load and never lock.
type Snapshot struct {
	Providers       []*ProviderView
	ProvidersByName map[string]*ProviderView
	Credentials     map[uint64]*CredentialView
	KeysByHash      map[string]*UserKeyView
	BuiltAt         time.Time
}

// Store owns the snapshot and every mutation of the routing tables. Writers
// serialize on mu; each mutation rebuilds and swaps the snapshot.
type Store struct {
	db *gorm.DB

	mu       sync.Mutex
	snapshot atomic.Pointer[Snapshot]
}

// New wraps a database handle. Callers run Rebuild before serving.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for collaborators that persist their own
// tables (events, usage).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Load returns the current snapshot, never nil after the first Rebuild.
func (s *Store) Load() *Snapshot {
	return s.snapshot.Load()
}

// Rebuild reloads the routing tables and swaps the snapshot.
func (s *Store) Rebuild(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not initialized")
	}

	var providers []models.Provider
	if errFind := s.db.WithContext(ctx).Order("name ASC").Find(&providers).Error; errFind != nil {
		return fmt.Errorf("store: load providers: %w", errFind)
	}
	var credentials []models.Credential
	if errFind := s.db.WithContext(ctx).Order("id ASC").Find(&credentials).Error; errFind != nil {
		return fmt.Errorf("store: load credentials: %w", errFind)
	}
	var keys []models.UserKey
	if errFind := s.db.WithContext(ctx).Order("id ASC").Find(&keys).Error; errFind != nil {
		return fmt.Errorf("store: load user keys: %w", errFind)
	}
	var users []models.User
	if errFind := s.db.WithContext(ctx).Order("id ASC").Find(&users).Error; errFind != nil {
		return fmt.Errorf("store: load users: %w", errFind)
	}

	snap := &Snapshot{
		Providers:       make([]*ProviderView, 0, len(providers)),
		ProvidersByName: make(map[string]*ProviderView, len(providers)),
		Credentials:     make(map[uint64]*CredentialView, len(credentials)),
		KeysByHash:      make(map[string]*UserKeyView, len(keys)),
		BuiltAt:         time.Now(),
	}

	for _, row := range providers {
		cfg, errParse := provider.ParseChannelSettings(row.ChannelSettings)
		if errParse != nil {
			log.WithError(errParse).Warnf("store: provider %s has invalid channel settings, using defaults", row.Name)
			cfg = &provider.ChannelSettings{}
		}
		view := &ProviderView{
			ID:       row.ID,
			Name:     row.Name,
			Kind:     row.Kind,
			Enabled:  row.Enabled,
			Settings: cfg,
		}
		snap.Providers = append(snap.Providers, view)
		snap.ProvidersByName[row.Name] = view
	}

	for _, row := range credentials {
		view := &CredentialView{
			ID:           row.ID,
			ProviderName: row.ProviderName,
			Name:         row.Name,
			Enabled:      row.Enabled,
			UpdatedAt:    row.UpdatedAt,
		}
		view.Secret, view.DecodeErr = provider.DecodeSecret(row.Secret)
		snap.Credentials[row.ID] = view
		if owner, ok := snap.ProvidersByName[row.ProviderName]; ok {
			owner.CredentialIDs = append(owner.CredentialIDs, row.ID)
		}
	}

	for _, view := range snap.Providers {
		creds := snap.Credentials
		sort.SliceStable(view.CredentialIDs, func(i, j int) bool {
			a, b := creds[view.CredentialIDs[i]], creds[view.CredentialIDs[j]]
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
			return a.ID < b.ID
		})
	}

	usersByID := make(map[uint64]*models.User, len(users))
	for i := range users {
		usersByID[users[i].ID] = &users[i]
	}
	for _, row := range keys {
		view := &UserKeyView{
			ID:      row.ID,
			UserID:  row.UserID,
			KeyHash: row.KeyHash,
			Enabled: row.Enabled,
		}
		if owner, ok := usersByID[row.UserID]; ok {
			view.UserEnabled = owner.Enabled
			view.UserRateLimit = owner.RateLimit
		}
		snap.KeysByHash[row.KeyHash] = view
	}

	s.snapshot.Store(snap)
	return nil
}
