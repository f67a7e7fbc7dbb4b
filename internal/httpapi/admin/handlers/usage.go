package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/usage"
)

// UsageHandler serves token rollups over the usage table.
type UsageHandler struct {
	db *gorm.DB
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *gorm.DB) *UsageHandler {
	return &UsageHandler{db: db}
}

// rollupWindow reads the optional ?from= and ?to= RFC3339 bounds.
func rollupWindow(c *gin.Context) (*time.Time, *time.Time, bool) {
	var from, to *time.Time
	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		t, errParse := time.Parse(time.RFC3339, raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from, want RFC3339"})
			return nil, nil, false
		}
		from = &t
	}
	if raw := strings.TrimSpace(c.Query("to")); raw != "" {
		t, errParse := time.Parse(time.RFC3339, raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to, want RFC3339"})
			return nil, nil, false
		}
		to = &t
	}
	return from, to, true
}

func (h *UsageHandler) rollup(c *gin.Context, f usage.RollupFilter) {
	from, to, ok := rollupWindow(c)
	if !ok {
		return
	}
	f.From = from
	f.To = to
	totals, errRollup := usage.Rollup(c.Request.Context(), h.db, f)
	if errRollup != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rollup failed"})
		return
	}
	c.JSON(http.StatusOK, totals)
}

// ProviderTokens sums every usage row of one provider.
func (h *UsageHandler) ProviderTokens(c *gin.Context) {
	h.rollup(c, usage.RollupFilter{Provider: strings.TrimSpace(c.Param("name"))})
}

// ProviderModelTokens sums one provider's rows for one model.
func (h *UsageHandler) ProviderModelTokens(c *gin.Context) {
	h.rollup(c, usage.RollupFilter{
		Provider: strings.TrimSpace(c.Param("name")),
		Model:    strings.TrimSpace(c.Param("model")),
	})
}

// CredentialTokens sums every usage row of one credential.
func (h *UsageHandler) CredentialTokens(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	h.rollup(c, usage.RollupFilter{CredentialID: &id})
}
