package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// UserKeyHandler manages downstream API key endpoints. The plaintext key
// appears exactly once, in the creation response.
type UserKeyHandler struct {
	store *store.Store
}

// NewUserKeyHandler constructs a UserKeyHandler.
func NewUserKeyHandler(st *store.Store) *UserKeyHandler {
	return &UserKeyHandler{store: st}
}

func userKeyJSON(row *models.UserKey) gin.H {
	return gin.H{
		"id":         row.ID,
		"user_id":    row.UserID,
		"name":       row.Name,
		"key_prefix": row.KeyPrefix,
		"enabled":    row.Enabled,
		"created_at": row.CreatedAt,
		"updated_at": row.UpdatedAt,
	}
}

// createUserKeyRequest defines the request body for key creation.
type createUserKeyRequest struct {
	Name string `json:"name"`
}

// Create mints one API key for the user in the path.
func (h *UserKeyHandler) Create(c *gin.Context) {
	userID, ok := paramID(c)
	if !ok {
		return
	}
	var body createUserKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, plaintext, errCreate := h.store.CreateUserKey(c.Request.Context(), userID, body.Name)
	if errCreate != nil {
		if errors.Is(errCreate, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create key failed"})
		return
	}
	out := userKeyJSON(row)
	out["key"] = plaintext
	c.JSON(http.StatusCreated, out)
}

// ListByUser returns the keys of one user.
func (h *UserKeyHandler) ListByUser(c *gin.Context) {
	userID, ok := paramID(c)
	if !ok {
		return
	}
	h.list(c, userID)
}

// List returns every key, optionally scoped to ?user_id=.
func (h *UserKeyHandler) List(c *gin.Context) {
	var userID uint64
	if raw := strings.TrimSpace(c.Query("user_id")); raw != "" {
		parsed, errParse := strconv.ParseUint(raw, 10, 64)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		userID = parsed
	}
	h.list(c, userID)
}

func (h *UserKeyHandler) list(c *gin.Context, userID uint64) {
	rows, errList := h.store.ListUserKeys(c.Request.Context(), userID)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list keys failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, userKeyJSON(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

// updateUserKeyRequest defines the request body for key updates.
type updateUserKeyRequest struct {
	Name    *string `json:"name"`
	Enabled *bool   `json:"enabled"`
}

// Update patches name and enabled state.
func (h *UserKeyHandler) Update(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var body updateUserKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errUpdate := h.store.UpdateUserKey(c.Request.Context(), id, body.Name, body.Enabled)
	if errUpdate != nil {
		if errors.Is(errUpdate, store.ErrUserKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, userKeyJSON(row))
}

// Delete removes one key.
func (h *UserKeyHandler) Delete(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	errDelete := h.store.DeleteUserKey(c.Request.Context(), id)
	switch {
	case errDelete == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(errDelete, store.ErrUserKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
	}
}
