package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrCredentialNotFound reports an unknown credential id.
var ErrCredentialNotFound = errors.New("store: credential not found")

func toJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

// CreateCredential validates and inserts one credential for a provider.
func (s *Store) CreateCredential(ctx context.Context, providerName, name string, secret json.RawMessage) (*models.Credential, error) {
	providerName = strings.TrimSpace(providerName)
	if _, errDecode := provider.DecodeSecret(secret); errDecode != nil {
		return nil, errDecode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var owner models.Provider
	if errFind := s.db.WithContext(ctx).Where("name = ?", providerName).First(&owner).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("store: query provider: %w", errFind)
	}

	row := models.Credential{
		ProviderName: owner.Name,
		Name:         strings.TrimSpace(name),
		Secret:       toJSON(secret),
		Enabled:      true,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("store: create credential: %w", errCreate)
	}
	if errRebuild := s.Rebuild(ctx); errRebuild != nil {
		return nil, errRebuild
	}
	return &row, nil
}

// UpdateCredential patches name, enabled state and secret by id.
func (s *Store) UpdateCredential(ctx context.Context, id uint64, name *string, enabled *bool, secret json.RawMessage) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row models.Credential
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("store: query credential: %w", errFind)
	}

	updates := map[string]any{}
	if name != nil {
		updates["name"] = strings.TrimSpace(*name)
	}
	if enabled != nil {
		updates["enabled"] = *enabled
	}
	if secret != nil {
		if _, errDecode := provider.DecodeSecret(secret); errDecode != nil {
			return nil, errDecode
		}
		updates["secret"] = toJSON(secret)
	}
	if len(updates) == 0 {
		return &row, nil
	}
	if errUpdate := s.db.WithContext(ctx).Model(&row).Updates(updates).Error; errUpdate != nil {
		return nil, fmt.Errorf("store: update credential: %w", errUpdate)
	}
	if errRebuild := s.Rebuild(ctx); errRebuild != nil {
		return nil, errRebuild
	}
	return &row, nil
}

// DeleteCredential removes one credential by id.
func (s *Store) DeleteCredential(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).Delete(&models.Credential{}, id)
	if result.Error != nil {
		return fmt.Errorf("store: delete credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return s.Rebuild(ctx)
}

// ListCredentials returns credential rows, optionally scoped to a provider.
func (s *Store) ListCredentials(ctx context.Context, providerName string) ([]models.Credential, error) {
	query := s.db.WithContext(ctx).Order("id ASC")
	if providerName = strings.TrimSpace(providerName); providerName != "" {
		query = query.Where("provider_name = ?", providerName)
	}
	var rows []models.Credential
	if errFind := query.Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: list credentials: %w", errFind)
	}
	return rows, nil
}

// GetCredential returns one credential row by id.
func (s *Store) GetCredential(ctx context.Context, id uint64) (*models.Credential, error) {
	var row models.Credential
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("store: query credential: %w", errFind)
	}
	return &row, nil
}

// PersistSecret writes back a refreshed credential payload. The updated_at
// bump sends the credential to the back of the selection order.
func (s *Store) PersistSecret(ctx context.Context, id uint64, secret *provider.Secret) error {
	payload, errEncode := secret.Encode()
	if errEncode != nil {
		return errEncode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).
		Update("secret", datatypes.JSON(payload))
	if result.Error != nil {
		return fmt.Errorf("store: persist refreshed secret: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return s.Rebuild(ctx)
}

// UpsertOAuthCredential lands a finished OAuth flow. When upsertKey matches
// an existing credential of the provider (compared against the payload's
// account identity), that row is replaced instead of inserting a duplicate.
func (s *Store) UpsertOAuthCredential(ctx context.Context, providerName, name, upsertKey string, secret *provider.Secret) (*models.Credential, error) {
	payload, errEncode := secret.Encode()
	if errEncode != nil {
		return nil, errEncode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if upsertKey != "" {
		var rows []models.Credential
		if errFind := s.db.WithContext(ctx).Where("provider_name = ?", providerName).Find(&rows).Error; errFind != nil {
			return nil, fmt.Errorf("store: list provider credentials: %w", errFind)
		}
		for i := range rows {
			existing, errDecode := provider.DecodeSecret(rows[i].Secret)
			if errDecode != nil {
				continue
			}
			if oauthIdentity(existing) != upsertKey {
				continue
			}
			updates := map[string]any{"secret": datatypes.JSON(payload)}
			if name != "" {
				updates["name"] = name
			}
			if errUpdate := s.db.WithContext(ctx).Model(&rows[i]).Updates(updates).Error; errUpdate != nil {
				return nil, fmt.Errorf("store: update oauth credential: %w", errUpdate)
			}
			if errRebuild := s.Rebuild(ctx); errRebuild != nil {
				return nil, errRebuild
			}
			return &rows[i], nil
		}
	}

	row := models.Credential{
		ProviderName: providerName,
		Name:         name,
		Secret:       datatypes.JSON(payload),
		Enabled:      true,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("store: create oauth credential: %w", errCreate)
	}
	if errRebuild := s.Rebuild(ctx); errRebuild != nil {
		return nil, errRebuild
	}
	return &row, nil
}

// oauthIdentity extracts the stable account key of an OAuth payload.
func oauthIdentity(s *provider.Secret) string {
	switch {
	case s.Codex != nil:
		return s.Codex.AccountID
	case s.ClaudeCode != nil:
		return s.ClaudeCode.UserEmail
	case s.GeminiCli != nil:
		return s.GeminiCli.UserEmail
	case s.Antigravity != nil:
		return s.Antigravity.UserEmail
	}
	return ""
}
