package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"gorm.io/gorm"
)

// ErrBuiltinProvider rejects destructive operations on seeded providers.
var ErrBuiltinProvider = errors.New("store: built-in providers can only be disabled")

// ErrProviderNotFound reports an unknown provider name.
var ErrProviderNotFound = errors.New("store: provider not found")

// CreateProvider inserts a custom provider. Built-in kinds are seeded by the
// migration and cannot be created twice.
func (s *Store) CreateProvider(ctx context.Context, name string, settings json.RawMessage) (*models.Provider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("store: provider name is empty")
	}
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("store: provider name must not contain '/'")
	}
	if _, errParse := provider.ParseChannelSettings(settings); errParse != nil {
		return nil, errParse
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := models.Provider{
		Name:            name,
		Kind:            models.ProviderKindCustom,
		Enabled:         true,
		ChannelSettings: toJSON(settings),
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("store: create provider: %w", errCreate)
	}
	if errRebuild := s.Rebuild(ctx); errRebuild != nil {
		return nil, errRebuild
	}
	return &row, nil
}

// UpdateProvider patches enabled state and channel settings by name.
func (s *Store) UpdateProvider(ctx context.Context, name string, enabled *bool, settings json.RawMessage) (*models.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row models.Provider
	if errFind := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("store: query provider: %w", errFind)
	}

	updates := map[string]any{}
	if enabled != nil {
		updates["enabled"] = *enabled
	}
	if settings != nil {
		if _, errParse := provider.ParseChannelSettings(settings); errParse != nil {
			return nil, errParse
		}
		updates["channel_settings"] = toJSON(settings)
	}
	if len(updates) == 0 {
		return &row, nil
	}
	if errUpdate := s.db.WithContext(ctx).Model(&row).Updates(updates).Error; errUpdate != nil {
		return nil, fmt.Errorf("store: update provider: %w", errUpdate)
	}
	if errRebuild := s.Rebuild(ctx); errRebuild != nil {
		return nil, errRebuild
	}
	return &row, nil
}

// DeleteProvider removes a custom provider and its credentials. Built-in
// rows are protected.
func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row models.Provider
	if errFind := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrProviderNotFound
		}
		return fmt.Errorf("store: query provider: %w", errFind)
	}
	if row.Kind.IsBuiltin() {
		return ErrBuiltinProvider
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDel := tx.Where("provider_name = ?", row.Name).Delete(&models.Credential{}).Error; errDel != nil {
			return fmt.Errorf("store: delete provider credentials: %w", errDel)
		}
		if errDel := tx.Delete(&row).Error; errDel != nil {
			return fmt.Errorf("store: delete provider: %w", errDel)
		}
		return nil
	})
	if errTx != nil {
		return errTx
	}
	return s.Rebuild(ctx)
}

// ListProviders returns all provider rows ordered by name.
func (s *Store) ListProviders(ctx context.Context) ([]models.Provider, error) {
	var rows []models.Provider
	if errFind := s.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: list providers: %w", errFind)
	}
	return rows, nil
}

// GetProvider returns one provider row by name.
func (s *Store) GetProvider(ctx context.Context, name string) (*models.Provider, error) {
	var row models.Provider
	if errFind := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("store: query provider: %w", errFind)
	}
	return &row, nil
}
