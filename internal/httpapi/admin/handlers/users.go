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

// UserHandler manages caller identity endpoints.
type UserHandler struct {
	store *store.Store
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(st *store.Store) *UserHandler {
	return &UserHandler{store: st}
}

func userJSON(row *models.User) gin.H {
	return gin.H{
		"id":         row.ID,
		"name":       row.Name,
		"rate_limit": row.RateLimit,
		"enabled":    row.Enabled,
		"created_at": row.CreatedAt,
		"updated_at": row.UpdatedAt,
	}
}

func paramID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// createUserRequest defines the request body for user creation.
type createUserRequest struct {
	Name      string `json:"name"`
	RateLimit int    `json:"rate_limit"`
	Enabled   *bool  `json:"enabled"`
}

// Create adds one user.
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	row, errCreate := h.store.CreateUser(c.Request.Context(), body.Name, body.RateLimit, enabled)
	if errCreate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCreate.Error()})
		return
	}
	c.JSON(http.StatusCreated, userJSON(row))
}

// List returns all users.
func (h *UserHandler) List(c *gin.Context) {
	rows, errList := h.store.ListUsers(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list users failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, userJSON(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// Get returns one user by id.
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	row, errGet := h.store.GetUser(c.Request.Context(), id)
	if errGet != nil {
		if errors.Is(errGet, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, userJSON(row))
}

// updateUserRequest defines the request body for user updates.
type updateUserRequest struct {
	Name      *string `json:"name"`
	RateLimit *int    `json:"rate_limit"`
	Enabled   *bool   `json:"enabled"`
}

// Update patches name, rate limit and enabled state.
func (h *UserHandler) Update(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var body updateUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errUpdate := h.store.UpdateUser(c.Request.Context(), id, body.Name, body.RateLimit, body.Enabled)
	if errUpdate != nil {
		if errors.Is(errUpdate, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": errUpdate.Error()})
		return
	}
	c.JSON(http.StatusOK, userJSON(row))
}

// Delete removes a user and every key it owns.
func (h *UserHandler) Delete(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	errDelete := h.store.DeleteUser(c.Request.Context(), id)
	switch {
	case errDelete == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(errDelete, store.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
	}
}
