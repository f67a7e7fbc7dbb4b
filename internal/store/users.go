package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
)

// ErrUserNotFound reports an unknown user id.
var ErrUserNotFound = errors.New("store: user not found")

// ErrUserKeyNotFound reports an unknown user key id.
var ErrUserKeyNotFound = errors.New("store: user key not found")

// CreateUser inserts one caller identity.
func (s *Store) CreateUser(ctx context.Context, name string, rateLimit int, enabled bool) (*models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("store: user name is empty")
	}
	if rateLimit < 0 {
		rateLimit = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := models.User{Name: name, RateLimit: rateLimit, Enabled: enabled}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("store: create user: %w", errCreate)
	}
	if errRebuild := s.Rebuild(ctx); errRebuild != nil {
		return nil, errRebuild
	}
	return &row, nil
}

// UpdateUser patches name, rate limit and enabled state by id.
func (s *Store) UpdateUser(ctx context.Context, id uint64, name *string, rateLimit *int, enabled *bool) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row models.User
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store: query user: %w", errFind)
	}

	updates := map[string]any{}
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return nil, fmt.Errorf("store: user name is empty")
		}
		updates["name"] = trimmed
	}
	if rateLimit != nil {
		limit := *rateLimit
		if limit < 0 {
			limit = 0
		}
		updates["rate_limit"] = limit
	}
	if enabled != nil {
		updates["enabled"] = *enabled
	}
	if len(updates) == 0 {
		return &row, nil
	}
	if errUpdate := s.db.WithContext(ctx).Model(&row).Updates(updates).Error; errUpdate != nil {
		return nil, fmt.Errorf("store: update user: %w", errUpdate)
	}
	if errRebuild := s.Rebuild(ctx); errRebuild != nil {
		return nil, errRebuild
	}
	return &row, nil
}

// DeleteUser removes a user and every key it owns.
func (s *Store) DeleteUser(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row models.User
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("store: query user: %w", errFind)
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDel := tx.Where("user_id = ?", row.ID).Delete(&models.UserKey{}).Error; errDel != nil {
			return fmt.Errorf("store: delete user keys: %w", errDel)
		}
		if errDel := tx.Delete(&row).Error; errDel != nil {
			return fmt.Errorf("store: delete user: %w", errDel)
		}
		return nil
	})
	if errTx != nil {
		return errTx
	}
	return s.Rebuild(ctx)
}

// ListUsers returns all user rows ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var rows []models.User
	if errFind := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: list users: %w", errFind)
	}
	return rows, nil
}

// GetUser returns one user row by id.
func (s *Store) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	var row models.User
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store: query user: %w", errFind)
	}
	return &row, nil
}

// keyPrefixLen is how much of the plaintext key listings display.
const keyPrefixLen = 12

// CreateUserKey mints one API key for a user. The plaintext is returned
// exactly once; only its digest is stored.
func (s *Store) CreateUserKey(ctx context.Context, userID uint64, name string) (*models.UserKey, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner models.User
	if errFind := s.db.WithContext(ctx).First(&owner, userID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, "", ErrUserNotFound
		}
		return nil, "", fmt.Errorf("store: query user: %w", errFind)
	}

	plaintext, errMint := mintKey()
	if errMint != nil {
		return nil, "", errMint
	}
	digest := sha256.Sum256([]byte(plaintext))
	row := models.UserKey{
		UserID:    owner.ID,
		Name:      strings.TrimSpace(name),
		KeyHash:   hex.EncodeToString(digest[:]),
		KeyPrefix: plaintext[:keyPrefixLen],
		Enabled:   true,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, "", fmt.Errorf("store: create user key: %w", errCreate)
	}
	if errRebuild := s.Rebuild(ctx); errRebuild != nil {
		return nil, "", errRebuild
	}
	return &row, plaintext, nil
}

// UpdateUserKey patches name and enabled state by id.
func (s *Store) UpdateUserKey(ctx context.Context, id uint64, name *string, enabled *bool) (*models.UserKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row models.UserKey
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrUserKeyNotFound
		}
		return nil, fmt.Errorf("store: query user key: %w", errFind)
	}

	updates := map[string]any{}
	if name != nil {
		updates["name"] = strings.TrimSpace(*name)
	}
	if enabled != nil {
		updates["enabled"] = *enabled
	}
	if len(updates) == 0 {
		return &row, nil
	}
	if errUpdate := s.db.WithContext(ctx).Model(&row).Updates(updates).Error; errUpdate != nil {
		return nil, fmt.Errorf("store: update user key: %w", errUpdate)
	}
	if errRebuild := s.Rebuild(ctx); errRebuild != nil {
		return nil, errRebuild
	}
	return &row, nil
}

// DeleteUserKey removes one key by id.
func (s *Store) DeleteUserKey(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).Delete(&models.UserKey{}, id)
	if result.Error != nil {
		return fmt.Errorf("store: delete user key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserKeyNotFound
	}
	return s.Rebuild(ctx)
}

// ListUserKeys returns key rows, optionally scoped to one user.
func (s *Store) ListUserKeys(ctx context.Context, userID uint64) ([]models.UserKey, error) {
	query := s.db.WithContext(ctx).Order("id ASC")
	if userID != 0 {
		query = query.Where("user_id = ?", userID)
	}
	var rows []models.UserKey
	if errFind := query.Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: list user keys: %w", errFind)
	}
	return rows, nil
}

// mintKey returns a fresh plaintext API key.
func mintKey() (string, error) {
	raw := make([]byte, 24)
	if _, errRead := rand.Read(raw); errRead != nil {
		return "", fmt.Errorf("store: mint api key: %w", errRead)
	}
	return "mpa-" + hex.EncodeToString(raw), nil
}
