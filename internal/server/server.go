package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/dhkim-dev/tickpulse/internal/admission"
	"github.com/dhkim-dev/tickpulse/internal/config"
	"github.com/dhkim-dev/tickpulse/internal/coordination"
	apperrors "github.com/dhkim-dev/tickpulse/internal/errors"
	"github.com/dhkim-dev/tickpulse/internal/registry"
)

// redisHealthChecker is a minimal interface for Redis health checks
type redisHealthChecker interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	registry    *registry.Registry
	instances   *coordination.InstanceRegistry
	redisClient *goredis.Client
	limits      *ConnectionLimits
	startTime   time.Time

	// Collapses concurrent cluster-view lookups into one Redis round trip.
	instancesGroup singleflight.Group

	// Overridable in tests.
	redisHealthCheck redisHealthChecker
}

func NewServer(cfg *config.Config, reg *registry.Registry, instances *coordination.InstanceRegistry, redisClient *goredis.Client, limiter *admission.Limiter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())
	e.Use(admission.Middleware(admission.MiddlewareConfig{
		Limiter: limiter,
		Tiers: admission.TierLimits{
			Anonymous: cfg.AnonymousHourlyLimit,
			Basic:     cfg.BasicHourlyLimit,
			Pro:       cfg.ProHourlyLimit,
		},
		EndpointLimits: endpointLimits(cfg),
	}))

	srv := &Server{
		echo:        e,
		config:      cfg,
		registry:    reg,
		instances:   instances,
		redisClient: redisClient,
		limits: NewConnectionLimits(
			int64(cfg.MaxConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionsPerSecond,
			cfg.ConnectionBurst,
		),
		startTime: time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// endpointLimits expands the configured path list into per-path budgets
// for the admission middleware.
func endpointLimits(cfg *config.Config) map[string]admission.EndpointLimit {
	limits := make(map[string]admission.EndpointLimit)
	for _, path := range strings.Split(cfg.EndpointLimitPaths, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		limits[path] = admission.EndpointLimit{
			Limit:  cfg.EndpointLimitRequests,
			Window: cfg.EndpointLimitWindow,
		}
	}
	return limits
}
