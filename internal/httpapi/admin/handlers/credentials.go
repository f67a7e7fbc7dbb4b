package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/ModelProxyAPI/internal/health"
	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// CredentialHandler manages credential endpoints. Secrets go in and never
// come back out; listings carry runtime health instead.
type CredentialHandler struct {
	store  *store.Store
	health *health.Registry
}

// NewCredentialHandler constructs a CredentialHandler.
func NewCredentialHandler(st *store.Store, reg *health.Registry) *CredentialHandler {
	return &CredentialHandler{store: st, health: reg}
}

func (h *CredentialHandler) credentialJSON(row *models.Credential, now time.Time) gin.H {
	out := gin.H{
		"id":            row.ID,
		"provider_name": row.ProviderName,
		"name":          row.Name,
		"enabled":       row.Enabled,
		"created_at":    row.CreatedAt,
		"updated_at":    row.UpdatedAt,
	}
	if h.health != nil {
		out["runtime_status"] = h.health.Summarize(row.ID, row.Enabled, now)
		cooldown, modelWindows := h.health.Windows(row.ID, now)
		if cooldown != nil {
			out["cooldown"] = cooldown
		}
		if len(modelWindows) > 0 {
			out["model_cooldowns"] = modelWindows
		}
	}
	return out
}

// createCredentialRequest defines the request body for credential creation.
type createCredentialRequest struct {
	ProviderName string          `json:"provider_name"`
	Name         string          `json:"name"`
	Secret       json.RawMessage `json:"secret"`
}

// Create adds one credential to a provider.
func (h *CredentialHandler) Create(c *gin.Context) {
	var body createCredentialRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errCreate := h.store.CreateCredential(c.Request.Context(), body.ProviderName, body.Name, body.Secret)
	if errCreate != nil {
		if errors.Is(errCreate, store.ErrProviderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": errCreate.Error()})
		return
	}
	c.JSON(http.StatusCreated, h.credentialJSON(row, time.Now()))
}

// List returns credentials, optionally scoped to ?provider=.
func (h *CredentialHandler) List(c *gin.Context) {
	rows, errList := h.store.ListCredentials(c.Request.Context(), c.Query("provider"))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list credentials failed"})
		return
	}
	now := time.Now()
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, h.credentialJSON(&rows[i], now))
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

// Get returns one credential by id.
func (h *CredentialHandler) Get(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	row, errGet := h.store.GetCredential(c.Request.Context(), id)
	if errGet != nil {
		if errors.Is(errGet, store.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, h.credentialJSON(row, time.Now()))
}

// updateCredentialRequest defines the request body for credential updates.
type updateCredentialRequest struct {
	Name    *string         `json:"name"`
	Enabled *bool           `json:"enabled"`
	Secret  json.RawMessage `json:"secret"`
}

// Update patches name, enabled state and secret. Re-enabling or replacing
// the secret clears the credential's cooldown windows.
func (h *CredentialHandler) Update(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body updateCredentialRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errUpdate := h.store.UpdateCredential(c.Request.Context(), id, body.Name, body.Enabled, body.Secret)
	if errUpdate != nil {
		if errors.Is(errUpdate, store.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": errUpdate.Error()})
		return
	}
	if h.health != nil {
		if (body.Enabled != nil && *body.Enabled) || body.Secret != nil {
			h.health.Clear(row.ID)
		}
	}
	c.JSON(http.StatusOK, h.credentialJSON(row, time.Now()))
}

// Delete removes one credential.
func (h *CredentialHandler) Delete(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	errDelete := h.store.DeleteCredential(c.Request.Context(), id)
	switch {
	case errDelete == nil:
		if h.health != nil {
			h.health.Clear(id)
		}
		c.Status(http.StatusNoContent)
	case errors.Is(errDelete, store.ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
	}
}
