// Package httpapi mounts the downstream proxy surface: route
// classification, key auth, rate limiting, dispatch, and the per-request
// trace record. Admin routes live in the admin subpackage.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/auth"
	"github.com/router-for-me/ModelProxyAPI/internal/engine"
	"github.com/router-for-me/ModelProxyAPI/internal/events"
	"github.com/router-for-me/ModelProxyAPI/internal/health"
	"github.com/router-for-me/ModelProxyAPI/internal/metrics"
	"github.com/router-for-me/ModelProxyAPI/internal/oauth"
	"github.com/router-for-me/ModelProxyAPI/internal/ratelimit"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// Server owns the proxy surface and its collaborators.
type Server struct {
	store  *store.Store
	engine *engine.Engine
	oauth  *oauth.Registry
	limits *ratelimit.Manager
	sink   *events.Sink
	health *health.Registry
	db     *gorm.DB
}

// New wires the proxy surface. The rate limit manager and event sink may be
// nil in tests; the checks are skipped when they are.
func New(st *store.Store, eng *engine.Engine, reg *oauth.Registry, limits *ratelimit.Manager, sink *events.Sink, healthReg *health.Registry, db *gorm.DB) *Server {
	return &Server{
		store:  st,
		engine: eng,
		oauth:  reg,
		limits: limits,
		sink:   sink,
		health: healthReg,
		db:     db,
	}
}

// Router builds the gin engine with every downstream route mounted. Admin
// routes are registered by the caller on the returned engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", s.metricsEndpoint)

	// Aggregate surface: the provider rides inside the model reference.
	s.mountProxy(&r.RouterGroup, true)

	// Provider-prefixed surface plus the per-provider OAuth and usage routes.
	pg := r.Group("/:provider")
	s.mountProxy(pg, false)
	pg.GET("/oauth", s.oauthStart)
	pg.GET("/oauth/callback", s.oauthCallback)
	pg.GET("/usage", s.providerUsage)

	return r
}

// mountProxy registers the shared proxy routes on one surface.
func (s *Server) mountProxy(g *gin.RouterGroup, aggregate bool) {
	g.POST("/v1/messages", s.proxy(aggregate, classifyClaudeMessages))
	g.POST("/v1/messages/count_tokens", s.proxy(aggregate, classifyClaudeCountTokens))
	g.POST("/v1/chat/completions", s.proxy(aggregate, classifyChatCompletions))
	g.POST("/v1/responses", s.proxy(aggregate, classifyResponses))
	g.POST("/v1/responses/compact", s.proxy(aggregate, classifyResponsesCompact))
	g.POST("/v1/responses/input_tokens", s.proxy(aggregate, classifyInputTokens))
	g.GET("/v1/models", s.proxy(aggregate, classifySharedModelsList))
	g.GET("/v1/models/*model", s.proxy(aggregate, classifySharedModelsGet))
	g.POST("/v1/models/*model", s.proxy(aggregate, classifyGeminiAction))
	g.GET("/v1beta/models", s.proxy(aggregate, classifyGeminiModelsList))
	g.GET("/v1beta/models/*model", s.proxy(aggregate, classifyGeminiModelsGet))
	g.POST("/v1beta/models/*model", s.proxy(aggregate, classifyGeminiAction))
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// metricsEndpoint serves the Prometheus registry behind the admin key.
func (s *Server) metricsEndpoint(c *gin.Context) {
	if errVerify := auth.VerifyAdminKey(c.Request); errVerify != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "admin key required"}})
		return
	}
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
