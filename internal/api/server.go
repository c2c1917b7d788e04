// Package api is the HTTP surface of the proxy: the Claude-compatible
// /v1/messages endpoint, the admin account API, and the middleware both
// share. Routing and middleware run on gin.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/client"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/logging"
	"github.com/kiroproxy/kiroproxy/internal/pool"
	"github.com/kiroproxy/kiroproxy/internal/store"
)

// Server is the API server.
type Server struct {
	engine *gin.Engine
	server *http.Server

	cfg          *config.Config
	pool         *pool.Pool
	cli          *client.Client
	st           store.Store
	promptLogger *logging.PromptLogger
	prober       pool.Prober
	httpClient   *http.Client

	// sysMu guards the last resolved system prompt, used to detect changes
	// worth writing back to the last-seen file.
	sysMu            sync.Mutex
	lastSystemPrompt string
}

// NewServer wires the server over the shared pool, store and upstream
// client. httpClient is used for the device login flow and may be nil.
func NewServer(cfg *config.Config, p *pool.Pool, cli *client.Client, st store.Store, promptLogger *logging.PromptLogger, httpClient *http.Client) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:       engine,
		cfg:          cfg,
		pool:         p,
		cli:          cli,
		st:           st,
		promptLogger: promptLogger,
		prober:       pool.NewUpstreamProber(p, cli),
		httpClient:   httpClient,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	// Liveness probe stays unauthenticated.
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/v1")
	v1.Use(authMiddleware(s.cfg))
	{
		v1.POST("/messages", s.Messages)
	}

	admin := s.engine.Group("/api")
	admin.Use(authMiddleware(s.cfg))
	{
		admin.GET("/accounts", s.ListAccounts)
		admin.POST("/accounts", s.AddAccount)
		admin.DELETE("/accounts/:id", s.DeleteAccount)
		admin.POST("/accounts/:id/toggle", s.ToggleAccount)
		admin.POST("/accounts/:id/health-check", s.HealthCheckAccount)
		admin.POST("/accounts/health-check", s.HealthCheckAll)
		admin.POST("/accounts/reset-health", s.ResetHealth)
		admin.POST("/accounts/batch-delete", s.BatchDelete)
		admin.POST("/accounts/cleanup-duplicates", s.CleanupDuplicates)
		admin.POST("/accounts/generate-auth-url", s.GenerateAuthURL)
		admin.GET("/usage", s.Usage)
		admin.GET("/usage/:id", s.UsageOne)
	}
}

// Start begins serving and blocks until the server stops.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, x-api-key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware accepts the shared secret from either Authorization:
// Bearer or x-api-key.
func authMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("x-api-key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" || key != cfg.RequiredAPIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "invalid or missing API key",
				},
			})
			return
		}
		c.Next()
	}
}
