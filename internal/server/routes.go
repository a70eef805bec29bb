package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (bypass admission control)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// WebSocket endpoint
	s.echo.GET("/ws", s.handleWebSocket)

	// API routes
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.GET("/api/connections", s.handleConnections)
	s.echo.GET("/api/instances", s.handleInstances)
}
