// Package api serves the worktimer HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/goodtune/worktimer/internal/approval"
	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/policy"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timersync"
	"github.com/goodtune/worktimer/internal/upload"
)

// CapabilityResolver resolves what a caller may do to a resource.
type CapabilityResolver interface {
	Capabilities(ctx context.Context, subject policy.Subject, resource policy.Resource) (policy.Capabilities, error)
}

// Deps are the services behind the API.
type Deps struct {
	Hub       *timersync.Hub
	Approvals *approval.Service
	Policy    CapabilityResolver
	Uploads   *upload.Client
	Logs      storage.TimeLogStore
	Logger    zerolog.Logger
}

// Server is the API HTTP server.
type Server struct {
	addr    string
	deps    Deps
	auth    *Auth
	router  *gin.Engine
	server  *http.Server
	maxBody int64
	logger  zerolog.Logger
}

// NewServer builds the router and HTTP server.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	auth, err := NewAuth(cfg.Auth)
	if err != nil {
		return nil, err
	}

	if deps.Logger.GetLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger.With().Str("component", "api").Logger()

	s := &Server{
		addr:    fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
		deps:    deps,
		auth:    auth,
		maxBody: cfg.Upload.MaxSize,
		logger:  logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(loggingMiddleware(logger))
	s.routes(router, NewRateLimiter(cfg.API.RateLimit, cfg.API.RateBurst))
	s.router = router

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Auth returns the token issuer.
func (s *Server) Auth() *Auth {
	return s.auth
}

// Start serves on l, or on the configured address when l is nil.
func (s *Server) Start(l net.Listener) error {
	if l == nil {
		var err error
		l, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		}
	}

	go func() {
		s.logger.Info().Str("addr", l.Addr().String()).Msg("Starting API server")
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) routes(router *gin.Engine, limiter *RateLimiter) {
	router.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware(s.auth), rateLimitMiddleware(limiter))

	timers := api.Group("/timer")
	timers.Use(s.requireTimerAccess())
	{
		timers.GET("", s.timerStatus)
		timers.POST("/start", s.timerStart)
		timers.POST("/pause", s.timerPause)
		timers.POST("/resume", s.timerResume)
		timers.POST("/stop", s.timerStop)
		timers.POST("/sync", s.timerSync)
		timers.POST("/resolve", s.timerResolve)
		timers.PUT("/visibility", s.timerVisibility)
	}
	api.GET("/timer/logs", s.timerLogs)

	approvals := api.Group("/approvals")
	{
		approvals.POST("", s.approvalCreate)
		approvals.GET("", s.approvalList)
		approvals.GET("/:id", s.approvalGet)
		approvals.POST("/:id/votes", s.approvalVote)
	}

	api.POST("/uploads", s.uploadCreate)
	api.GET("/capabilities", s.capabilities)
}

// can resolves the caller's capabilities on resource, writing a response
// and returning false when resolution fails.
func (s *Server) can(ctx *gin.Context, resource policy.Resource) (policy.Capabilities, bool) {
	subject, _ := subjectFrom(ctx)
	caps, err := s.deps.Policy.Capabilities(ctx.Request.Context(), subject, resource)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", subject.UserID).Msg("Capability resolution failed")
		abort(ctx, http.StatusInternalServerError, "policy_error", "Failed to resolve capabilities")
		return policy.Capabilities{}, false
	}
	return caps, true
}
