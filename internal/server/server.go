// Package server provides the operator status server: health, queue
// statistics and the recent work item run log. The bot itself has no
// inbound surface; everything here is read-only diagnostics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/mergebot/mergebot/consts"
	"github.com/mergebot/mergebot/internal/config"
	"github.com/mergebot/mergebot/internal/runlog"
	"github.com/mergebot/mergebot/internal/scheduler"
	"github.com/mergebot/mergebot/pkg/logger"
)

// HTTP server timeout configuration
const (
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultRunLimit        = 50
)

// Server is the operator HTTP surface
type Server struct {
	cfg        config.ServerConfig
	sched      *scheduler.Scheduler
	runs       *runlog.Store
	router     *gin.Engine
	httpServer *http.Server
}

// New creates the status server. The run log store is optional.
func New(cfg config.ServerConfig, sched *scheduler.Scheduler, runs *runlog.Store) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(consts.ServiceName))

	s := &Server{
		cfg:    cfg,
		sched:  sched,
		runs:   runs,
		router: router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/queue", s.handleQueue)
		v1.GET("/runs", s.handleRuns)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": consts.Version,
		"uptime":  consts.GetUptime().String(),
	})
}

func (s *Server) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.Queue().Stats())
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusOK, []runlog.Run{})
		return
	}
	limit := defaultRunLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	runs, err := s.runs.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

// Start begins serving in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	logger.Info("Starting status server", zap.String("address", addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start status server", zap.Error(err))
		}
	}()
	return nil
}

// WaitForShutdown blocks until a termination signal arrives, then shuts
// the server down gracefully. A second signal forces immediate exit.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logger.Info("Received shutdown signal, starting graceful shutdown",
		zap.String("signal", sig.String()))
	go func() {
		sig := <-quit
		logger.Warn("Received second shutdown signal, forcing exit",
			zap.String("signal", sig.String()))
		os.Exit(1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Error("Status server forced to shutdown", zap.Error(err))
	}
	logger.Info("Status server stopped")
}

// Stop shuts the server down immediately
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying gin router, used by tests
func (s *Server) Router() *gin.Engine {
	return s.router
}
