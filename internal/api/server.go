// Package api wires the HTTP surface: the Anthropic-compatible /v1 routes,
// the /v2 management routes, and the admin console endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/amq2api/amq2api/internal/auth"
	"github.com/amq2api/amq2api/internal/cache"
	"github.com/amq2api/amq2api/internal/config"
	"github.com/amq2api/amq2api/internal/logging"
	"github.com/amq2api/amq2api/internal/router"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server owns the gin engine and the handlers' collaborators.
type Server struct {
	cfg        *config.Config
	db         *store.Store
	rc         *store.ConfigStore
	router     *router.Router
	tokens     *auth.Manager
	deviceFlow *auth.DeviceFlow
	cache      *cache.Manager

	engine *gin.Engine
	http   *http.Server
}

// New assembles the server and registers every route.
func New(cfg *config.Config, db *store.Store, rc *store.ConfigStore, rt *router.Router,
	tokens *auth.Manager, deviceFlow *auth.DeviceFlow, cacheMgr *cache.Manager) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery(), corsMiddleware())

	s := &Server{
		cfg:        cfg,
		db:         db,
		rc:         rc,
		router:     rt,
		tokens:     tokens,
		deviceFlow: deviceFlow,
		cache:      cacheMgr,
		engine:     engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1", s.apiKeyMiddleware())
	{
		v1.POST("/messages", func(c *gin.Context) { s.router.HandleMessages(c, "") })
		v1.POST("/gemini/messages", func(c *gin.Context) { s.router.HandleMessages(c, store.KindGemini) })
		v1.POST("/custom_api/messages", func(c *gin.Context) { s.router.HandleMessages(c, store.KindCustomAPI) })
		v1.GET("/models", s.handleListModels)
	}

	v2 := s.engine.Group("/v2", s.sessionMiddleware())
	{
		v2.GET("/accounts", s.handleListAccounts)
		v2.POST("/accounts", s.handleCreateAccount)
		v2.GET("/accounts/:id", s.handleGetAccount)
		v2.PATCH("/accounts/:id", s.handleUpdateAccount)
		v2.DELETE("/accounts/:id", s.handleDeleteAccount)
		v2.POST("/accounts/:id/refresh", s.handleRefreshAccount)
		v2.POST("/accounts/refresh-all", s.handleRefreshAll)
		v2.POST("/accounts/:id/test", s.handleTestAccount)
		v2.GET("/accounts/:id/stats", s.handleAccountStats)
		v2.GET("/accounts/:id/quota", s.handleAccountQuota)

		v2.POST("/auth/start", s.handleAuthStart)
		v2.GET("/auth/status/:authId", s.handleAuthStatus)
		v2.POST("/auth/claim/:authId", s.handleAuthClaim)

		v2.GET("/config", s.handleGetConfig)
		v2.PUT("/config", s.handlePutConfig)

		v2.GET("/usage", s.handleUsage)
		v2.GET("/cache/stats", s.handleCacheStats)
	}

	admin := s.engine.Group("/api/admin")
	{
		admin.GET("/status", s.handleAdminStatus)
		admin.POST("/setup", s.handleAdminSetup)
		admin.POST("/login", s.handleAdminLogin)
		admin.POST("/logout", s.handleAdminLogout)
	}
}

// Run serves until ctx is cancelled, then shuts down draining in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	accounts, err := s.db.ListAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	enabled := 0
	for _, a := range accounts {
		if a.Enabled {
			enabled++
		}
	}
	status := "healthy"
	if enabled == 0 {
		status = "unhealthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           status,
		"enabled_accounts": enabled,
		"total_accounts":   len(accounts),
	})
}
