// Package api provides the HTTP REST surface over the IAM core
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kluth/synapse-iam/pkg/iam"
	"github.com/kluth/synapse-iam/pkg/logger"
)

// Server represents the API server instance
type Server struct {
	manager   *iam.Manager
	logger    logger.Logger
	router    *gin.Engine
	server    *http.Server
	addr      string
	startTime time.Time
}

// NewServer creates a new API server instance
func NewServer(manager *iam.Manager, addr string, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		manager:   manager,
		logger:    log,
		router:    router,
		addr:      addr,
		startTime: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"} // Configure properly for production
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	s.router.Use(cors.New(corsConfig))

	s.router.Use(s.requestIDMiddleware())
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.register)
		auth.POST("/login", s.login)
		auth.POST("/validate", s.validateToken)
	}

	// Routes that require a valid session token.
	me := s.router.Group("/auth", s.authMiddleware())
	{
		me.POST("/logout", s.logout)
		me.POST("/password", s.changePassword)
	}

	authz := s.router.Group("/authz", s.authMiddleware())
	{
		authz.POST("/check", s.authorize)
		authz.GET("/permissions", s.getOwnPermissions)
		authz.GET("/roles", s.getOwnRoles)
	}

	// Administrative routes: authenticate, then authorize against the
	// iam resource.
	admin := s.router.Group("/admin", s.authMiddleware(), s.requirePermission("iam", "admin"))
	{
		admin.POST("/permissions", s.createPermission)
		admin.DELETE("/permissions/:permission_id", s.deletePermission)

		admin.POST("/roles", s.createRole)
		admin.DELETE("/roles/:role_id", s.deleteRole)
		admin.POST("/roles/:role_id/permissions/:permission_id", s.addPermissionToRole)
		admin.DELETE("/roles/:role_id/permissions/:permission_id", s.removePermissionFromRole)

		admin.POST("/subjects", s.registerSubject)
		admin.POST("/subjects/:subject_id/roles/:role_id", s.assignRole)
		admin.DELETE("/subjects/:subject_id/roles/:role_id", s.revokeRole)
		admin.POST("/subjects/:subject_id/permissions/:permission_id", s.grantPermission)
		admin.DELETE("/subjects/:subject_id/permissions/:permission_id", s.revokePermission)

		admin.POST("/users/:user_id/lock", s.lockAccount)
		admin.POST("/users/:user_id/unlock", s.unlockAccount)
		admin.POST("/users/:user_id/deactivate", s.deactivateAccount)
		admin.DELETE("/users/:user_id/sessions", s.revokeUserSessions)

		admin.GET("/stats", s.getStatistics)
		admin.GET("/audit", s.getAuditLogs)
	}
}

// Start starts the API server and blocks until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server", map[string]interface{}{
		"addr": s.addr,
		"mode": gin.Mode(),
	})

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Failed to start server", err)
		}
	}()

	<-ctx.Done()

	s.logger.Info("Shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Stop gracefully stops the API server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Router exposes the underlying handler, mainly for tests
func (s *Server) Router() http.Handler {
	return s.router
}
