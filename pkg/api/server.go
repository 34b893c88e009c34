// Package api exposes the HTTP and WebSocket surface: session lifecycle
// endpoints plus the per-session event socket that carries the chat.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/workstreamhq/maestro/pkg/assistant"
	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/session"
)

// Server is the HTTP API server.
type Server struct {
	agent    *assistant.Agent
	sessions *session.Manager
	bus      *events.Bus

	httpServer *http.Server
}

func NewServer(agent *assistant.Agent, sessions *session.Manager, bus *events.Bus) *Server {
	return &Server{
		agent:    agent,
		sessions: sessions,
		bus:      bus,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.health)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/session/create", s.createSession)
		apiGroup.GET("/sessions", s.listSessions)
		apiGroup.GET("/sessions/:id", s.getSession)
		apiGroup.DELETE("/sessions/:id", s.deleteSession)
		apiGroup.POST("/sessions/:id/files", s.attachFile)
	}

	r.GET("/ws/:session_id", s.handleWS)
	return r
}

// Run serves HTTP on addr until the listener fails or Shutdown is called.
func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("api server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs each request with method, path, status and latency.
// WebSocket upgrades are skipped: they are long-lived and logged by the
// socket handler itself.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
