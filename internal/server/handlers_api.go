package server

import (
	"github.com/labstack/echo/v4"

	"github.com/dhkim-dev/tickpulse/internal/coordination"
	apperrors "github.com/dhkim-dev/tickpulse/internal/errors"
)

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(200, s.registry.GetStats())
}

func (s *Server) handleConnections(c echo.Context) error {
	conns := s.registry.ListConnections()
	return c.JSON(200, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

func (s *Server) handleInstances(c echo.Context) error {
	ctx := c.Request().Context()

	v, err, _ := s.instancesGroup.Do("instances", func() (any, error) {
		return s.instances.ActiveInstances(ctx)
	})
	if err != nil {
		return apperrors.ExternalError("failed to list instances", err)
	}

	instances := v.([]coordination.InstanceInfo)
	return c.JSON(200, map[string]any{
		"count":     len(instances),
		"instances": instances,
	})
}
