package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// ProviderHandler manages provider endpoints.
type ProviderHandler struct {
	store *store.Store
}

// NewProviderHandler constructs a ProviderHandler.
func NewProviderHandler(st *store.Store) *ProviderHandler {
	return &ProviderHandler{store: st}
}

func providerJSON(row *models.Provider) gin.H {
	return gin.H{
		"id":               row.ID,
		"name":             row.Name,
		"kind":             row.Kind,
		"builtin":          row.Kind.IsBuiltin(),
		"enabled":          row.Enabled,
		"channel_settings": json.RawMessage(row.ChannelSettings),
		"created_at":       row.CreatedAt,
		"updated_at":       row.UpdatedAt,
	}
}

// createProviderRequest defines the request body for provider creation.
type createProviderRequest struct {
	Name            string          `json:"name"`
	ChannelSettings json.RawMessage `json:"channel_settings"`
}

// Create adds a custom provider. Built-in kinds are seeded at boot and
// cannot be created here.
func (h *ProviderHandler) Create(c *gin.Context) {
	var body createProviderRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errCreate := h.store.CreateProvider(c.Request.Context(), body.Name, body.ChannelSettings)
	if errCreate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCreate.Error()})
		return
	}
	c.JSON(http.StatusCreated, providerJSON(row))
}

// List returns all providers.
func (h *ProviderHandler) List(c *gin.Context) {
	rows, errList := h.store.ListProviders(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list providers failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, providerJSON(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

// Get returns one provider by name.
func (h *ProviderHandler) Get(c *gin.Context) {
	row, errGet := h.store.GetProvider(c.Request.Context(), c.Param("name"))
	if errGet != nil {
		if errors.Is(errGet, store.ErrProviderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, providerJSON(row))
}

// updateProviderRequest defines the request body for provider updates.
type updateProviderRequest struct {
	Enabled         *bool           `json:"enabled"`
	ChannelSettings json.RawMessage `json:"channel_settings"`
}

// Update patches enabled state and channel settings.
func (h *ProviderHandler) Update(c *gin.Context) {
	var body updateProviderRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errUpdate := h.store.UpdateProvider(c.Request.Context(), c.Param("name"), body.Enabled, body.ChannelSettings)
	if errUpdate != nil {
		if errors.Is(errUpdate, store.ErrProviderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": errUpdate.Error()})
		return
	}
	c.JSON(http.StatusOK, providerJSON(row))
}

// Delete removes a custom provider and its credentials. Built-in rows can
// only be disabled.
func (h *ProviderHandler) Delete(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	errDelete := h.store.DeleteProvider(c.Request.Context(), name)
	switch {
	case errDelete == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(errDelete, store.ErrProviderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(errDelete, store.ErrBuiltinProvider):
		c.JSON(http.StatusConflict, gin.H{"error": "built-in providers can only be disabled"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
	}
}
