package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SystemHandler serves process-level operations.
type SystemHandler struct{}

// NewSystemHandler constructs a SystemHandler.
func NewSystemHandler() *SystemHandler {
	return &SystemHandler{}
}

// SelfUpdate acknowledges an update request. The binary swap itself is
// handled by the deployment supervisor watching for the logged marker.
func (h *SystemHandler) SelfUpdate(c *gin.Context) {
	log.Info("admin: self-update requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
