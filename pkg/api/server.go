package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"huddle/pkg/api/middleware"
	"huddle/pkg/auth"
	"huddle/pkg/engine"
	"huddle/pkg/notify"
)

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	engine   *engine.Engine
	registry *notify.Registry
	log      *zap.Logger
}

// Config holds API server configuration.
type Config struct {
	Port        string
	Engine      *engine.Engine
	Registry    *notify.Registry
	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore
	Logger      *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.TracingMiddleware("huddle-api"))
	router.Use(requestLogger(cfg.Logger))
	router.Use(middleware.RateLimitMiddleware()) // 100 requests/min per client
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))
	router.Use(middleware.AuthMiddleware(middleware.AuthConfig{
		JWTService:  cfg.JWTService,
		APIKeyStore: cfg.APIKeyStore,
		SkipPaths:   []string{"/health", "/metrics"},
	}))

	s := &Server{
		router:   router,
		engine:   cfg.Engine,
		registry: cfg.Registry,
		log:      cfg.Logger,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	s.registerRoutes()

	// No write timeout: wait-state long-polls and event streams hold the
	// response open far longer than any sane fixed limit.
	s.httpServer = &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Router exposes the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting api server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down api server")
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.router.GET("/health", s.healthCheck)

	// Prometheus metrics endpoint
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		parties := v1.Group("/parties")
		{
			parties.POST("", middleware.RequireRole(auth.RoleHost), s.createParty)
			parties.GET("", s.listParties)
			parties.GET("/:id", s.getParty)
			parties.DELETE("/:id", s.cancelParty)
			parties.GET("/:id/participants", s.listParticipants)
			parties.POST("/:id/join", s.joinParty)
			parties.POST("/:id/standby", s.toggleStandby)
			parties.GET("/:id/wait-state", s.partyWaitState)
			parties.GET("/:id/active-round", s.activeRound)
			parties.POST("/:id/rounds", middleware.RequireRole(auth.RoleHost), s.startRound)
			parties.GET("/:id/events", s.partyEvents)
		}

		rounds := v1.Group("/rounds")
		{
			rounds.GET("/:id", s.getRound)
			rounds.GET("/:id/state", s.roundState)
			rounds.GET("/:id/events", s.roundEvents)
		}

		questions := v1.Group("/questions")
		{
			questions.POST("/:id/vote", s.castVote)
		}
	}
}

// requestLogger is a middleware that logs HTTP requests.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
		)
	}
}

// healthCheck returns server health status with process memory stats.
func (s *Server) healthCheck(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		body["memory"] = gin.H{
			"total_mb":     vm.Total / 1024 / 1024,
			"available_mb": vm.Available / 1024 / 1024,
			"used_percent": fmt.Sprintf("%.1f", vm.UsedPercent),
		}
	}

	c.JSON(http.StatusOK, body)
}
