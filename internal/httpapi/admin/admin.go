// Package admin mounts the management surface: provider and credential
// CRUD, users and keys, trace log queries, usage rollups and the settings
// table. Every route sits behind the admin key; destructive routes add the
// optional TOTP second factor.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/auth"
	"github.com/router-for-me/ModelProxyAPI/internal/health"
	handlers "github.com/router-for-me/ModelProxyAPI/internal/httpapi/admin/handlers"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// Deps bundles the collaborators the admin surface needs.
type Deps struct {
	Store  *store.Store
	Health *health.Registry
	DB     *gorm.DB
}

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.Store == nil {
		return
	}

	authed := r.Group("/v0/admin")
	authed.Use(adminKeyMiddleware())

	guarded := authed.Group("")
	guarded.Use(adminOTPMiddleware())

	providerHandler := handlers.NewProviderHandler(deps.Store)
	authed.POST("/providers", providerHandler.Create)
	authed.GET("/providers", providerHandler.List)
	authed.GET("/providers/:name", providerHandler.Get)
	authed.PUT("/providers/:name", providerHandler.Update)
	guarded.DELETE("/providers/:name", providerHandler.Delete)

	credentialHandler := handlers.NewCredentialHandler(deps.Store, deps.Health)
	authed.POST("/credentials", credentialHandler.Create)
	authed.GET("/credentials", credentialHandler.List)
	authed.GET("/credentials/:id", credentialHandler.Get)
	authed.PUT("/credentials/:id", credentialHandler.Update)
	guarded.DELETE("/credentials/:id", credentialHandler.Delete)

	userHandler := handlers.NewUserHandler(deps.Store)
	authed.POST("/users", userHandler.Create)
	authed.GET("/users", userHandler.List)
	authed.GET("/users/:id", userHandler.Get)
	authed.PUT("/users/:id", userHandler.Update)
	guarded.DELETE("/users/:id", userHandler.Delete)

	keyHandler := handlers.NewUserKeyHandler(deps.Store)
	authed.POST("/users/:id/keys", keyHandler.Create)
	authed.GET("/users/:id/keys", keyHandler.ListByUser)
	authed.GET("/keys", keyHandler.List)
	authed.PUT("/keys/:id", keyHandler.Update)
	guarded.DELETE("/keys/:id", keyHandler.Delete)

	logsHandler := handlers.NewLogsHandler(deps.DB)
	authed.GET("/logs", logsHandler.List)

	usageHandler := handlers.NewUsageHandler(deps.DB)
	authed.GET("/usage/providers/:name/tokens", usageHandler.ProviderTokens)
	authed.GET("/usage/providers/:name/models/:model/tokens", usageHandler.ProviderModelTokens)
	authed.GET("/usage/credentials/:id/tokens", usageHandler.CredentialTokens)

	settingHandler := handlers.NewSettingHandler(deps.Store)
	authed.GET("/settings", settingHandler.List)
	authed.PUT("/settings/:key", settingHandler.Update)

	systemHandler := handlers.NewSystemHandler()
	guarded.POST("/system/self-update", systemHandler.SelfUpdate)
}

// adminKeyMiddleware rejects requests without a valid admin key.
func adminKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if errVerify := auth.VerifyAdminKey(c.Request); errVerify != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"kind": "unauthorized", "message": "admin key required"},
			})
			return
		}
		c.Next()
	}
}

// adminOTPMiddleware enforces the TOTP second factor when one is
// configured. Without a stored secret it passes everything through.
func adminOTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if errVerify := auth.VerifyAdminOTP(c.Request); errVerify != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"kind": "otp_required", "message": "valid x-admin-otp code required"},
			})
			return
		}
		c.Next()
	}
}
