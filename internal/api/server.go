// Package api serves the recorder's HTTP control and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/storage"
)

// Lister lists published recordings.
type Lister interface {
	List(ctx context.Context) ([]storage.Object, error)
}

// Server wraps the gin router and its dependencies.
type Server struct {
	router  *gin.Engine
	ctrl    control.Controller
	metrics http.Handler
	lister  Lister
	started time.Time
}

// New builds the router. metrics and lister may be nil; their routes then
// answer 404.
func New(ctrl control.Controller, metrics http.Handler, lister Lister) *Server {
	s := &Server{
		ctrl:    ctrl,
		metrics: metrics,
		lister:  lister,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/status", s.handleStatus)
		api.POST("/v1/capture/start", s.handleCommand("start", s.ctrl.Start))
		api.POST("/v1/capture/pause", s.handleCommand("pause", s.ctrl.Pause))
		api.POST("/v1/capture/end", s.handleCommand("end", s.ctrl.End))
		if s.lister != nil {
			api.GET("/v1/recordings", s.handleRecordings)
		}
	}

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	s.router = router
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	slog.Info("api: stopped")
	return nil
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleCommand(name string, fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			slog.Warn("api: command rejected", "command", name, "error", err)
			c.JSON(http.StatusConflict, gin.H{"command": name, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"command": name, "status": s.ctrl.Status()})
	}
}

func (s *Server) handleRecordings(c *gin.Context) {
	objs, err := s.lister.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if objs == nil {
		objs = []storage.Object{}
	}
	c.JSON(http.StatusOK, gin.H{"recordings": objs, "total": len(objs)})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("api: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
