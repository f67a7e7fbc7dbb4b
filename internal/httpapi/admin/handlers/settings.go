package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/ModelProxyAPI/internal/settings"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// SettingHandler manages the persisted configuration table. Updates land in
// the database and are swapped into the process snapshot immediately; other
// instances pick them up on the next staleness poll.
type SettingHandler struct {
	store *store.Store
}

// NewSettingHandler constructs a SettingHandler.
func NewSettingHandler(st *store.Store) *SettingHandler {
	return &SettingHandler{store: st}
}

// secretSettingKeys hide their values in listings.
var secretSettingKeys = map[string]bool{
	settings.AdminKeyHashKey:           true,
	settings.AdminTOTPSecretKey:        true,
	settings.RateLimitRedisPasswordKey: true,
}

// List returns every settings row, masking secret values.
func (h *SettingHandler) List(c *gin.Context) {
	rows, errList := store.ListSettings(c.Request.Context(), h.store.DB())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list settings failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		value := json.RawMessage(rows[i].Value)
		if secretSettingKeys[rows[i].Key] {
			value = json.RawMessage(`"***"`)
		}
		out = append(out, gin.H{
			"key":        rows[i].Key,
			"value":      value,
			"updated_at": rows[i].UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

// Update writes one settings value. The body is the raw JSON value.
func (h *SettingHandler) Update(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key"})
		return
	}
	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be valid json"})
		return
	}
	ctx := c.Request.Context()
	if errUpsert := store.UpsertSetting(ctx, h.store.DB(), key, body); errUpsert != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write setting failed"})
		return
	}
	if errLoad := store.LoadSettings(ctx, h.store.DB()); errLoad != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reload settings failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
