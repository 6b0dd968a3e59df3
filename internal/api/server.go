// Package api provides the HTTP surface of the node: the gin engine, the
// native and OpenAI-compatible inference routes, the management group, and
// the middleware stack around them.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/api/handlers"
	managementHandlers "github.com/sight-ai/edge-node/internal/api/handlers/management"
	"github.com/sight-ai/edge-node/internal/api/handlers/native"
	"github.com/sight-ai/edge-node/internal/api/handlers/openai"
	"github.com/sight-ai/edge-node/internal/api/middleware"
	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/logging"
	"github.com/sight-ai/edge-node/internal/util"
)

// Server hosts the node's HTTP API.
type Server struct {
	// engine is the gin engine carrying all routes.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// base is shared by every inference handler.
	base *handlers.BaseHandler

	// cfg holds the current bootstrap configuration.
	cfg *config.Config

	// requestLogger is toggled live when the config reloads.
	requestLogger *logging.FileRequestLogger

	// mgmt serves the management group.
	mgmt *managementHandlers.Handler
}

// NewServer assembles the gin engine, middleware, and routes. The management
// group is registered only when a management key is configured.
func NewServer(cfg *config.Config, base *handlers.BaseHandler, mgmt *managementHandlers.Handler) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	requestLogger := logging.NewFileRequestLogger(cfg.RequestLog, "logs")
	engine.Use(middleware.RequestLogging(requestLogger))

	engine.Use(corsMiddleware())

	s := &Server{
		engine:        engine,
		base:          base,
		cfg:           cfg,
		requestLogger: requestLogger,
		mgmt:          mgmt,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes configures the API routes and associates them with handlers.
func (s *Server) setupRoutes() {
	nativeHandlers := native.NewNativeAPIHandler(s.base)
	openaiHandlers := openai.NewOpenAIAPIHandler(s.base)

	// Ollama-dialect routes
	api := s.engine.Group("/api")
	{
		api.POST("/chat", nativeHandlers.Chat)
		api.POST("/generate", nativeHandlers.Generate)
		api.POST("/embeddings", nativeHandlers.Embeddings)
		api.GET("/tags", nativeHandlers.Tags)
		api.POST("/show", nativeHandlers.Show)
		api.GET("/version", nativeHandlers.Version)
		api.GET("/ps", nativeHandlers.PS)
	}

	// OpenAI-compatible routes
	v1 := s.engine.Group("/v1")
	{
		v1.GET("/models", openaiHandlers.Models)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/completions", openaiHandlers.Completions)
		v1.POST("/embeddings", openaiHandlers.Embeddings)
	}

	s.engine.GET("/healthz", s.healthz)

	// Root endpoint
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "SightAI Edge Node",
			"endpoints": []string{
				"POST /api/chat",
				"POST /api/generate",
				"GET /api/tags",
				"POST /v1/chat/completions",
				"POST /v1/completions",
				"GET /v1/models",
			},
		})
	})

	// Management API routes. If management-key is empty, no management
	// endpoint is exposed (404).
	if s.cfg.ManagementKey != "" && s.mgmt != nil {
		mgmt := s.engine.Group("/v0/management")
		mgmt.Use(s.mgmt.Middleware())
		{
			mgmt.GET("/backends", s.mgmt.GetBackends)
			mgmt.POST("/backends/switch", s.mgmt.SwitchBackend)

			mgmt.GET("/process", s.mgmt.ListProcesses)
			mgmt.GET("/process/:backend/status", s.mgmt.ProcessStatus)
			mgmt.POST("/process/:backend/start", s.mgmt.StartProcess)
			mgmt.POST("/process/:backend/stop", s.mgmt.StopProcess)
			mgmt.POST("/process/:backend/restart", s.mgmt.RestartProcess)

			mgmt.GET("/usage", s.mgmt.GetUsage)
			mgmt.GET("/tasks", s.mgmt.GetTasks)
			mgmt.GET("/tasks/:id", s.mgmt.GetTask)
			mgmt.GET("/tunnel", s.mgmt.GetTunnelStatus)
		}
	}
}

// healthz reports liveness and the currently selected backend.
func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"backend": s.base.Registry.CurrentFramework(),
	})
}

// Start begins listening for and serving HTTP requests. It blocks until the
// server stops.
func (s *Server) Start() error {
	log.Debugf("starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}

// ApplyConfig applies a reloaded bootstrap configuration. Only the settings
// that can change at runtime are applied; the rest take effect on restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if s.requestLogger != nil && s.cfg.RequestLog != cfg.RequestLog {
		s.requestLogger.SetEnabled(cfg.RequestLog)
		log.Debugf("request logging updated from %t to %t", s.cfg.RequestLog, cfg.RequestLog)
	}

	if s.cfg.Debug != cfg.Debug {
		util.SetLogLevel(cfg.Debug)
		log.Debugf("debug mode updated from %t to %t", s.cfg.Debug, cfg.Debug)
	}

	if s.cfg.Port != cfg.Port {
		log.Warnf("port changed from %d to %d; takes effect on restart", s.cfg.Port, cfg.Port)
	}

	if s.mgmt != nil && s.cfg.ManagementKey != cfg.ManagementKey {
		s.mgmt.SetKey(cfg.ManagementKey)
	}

	s.cfg = cfg
	log.Info("server configuration updated")
}

// corsMiddleware adds CORS headers to every response and short-circuits
// preflight requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Management-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
