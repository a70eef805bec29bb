package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dhkim-dev/tickpulse/internal/admission"
	"github.com/dhkim-dev/tickpulse/internal/bridge"
	"github.com/dhkim-dev/tickpulse/internal/config"
	"github.com/dhkim-dev/tickpulse/internal/coordination"
	"github.com/dhkim-dev/tickpulse/internal/dispatch"
	"github.com/dhkim-dev/tickpulse/internal/logging"
	"github.com/dhkim-dev/tickpulse/internal/redis"
	"github.com/dhkim-dev/tickpulse/internal/registry"
	"github.com/dhkim-dev/tickpulse/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

func runGracefulShutdown(srv *server.Server, reg *registry.Registry, evb *bridge.Bridge, cancelBackground context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Stop inbound events before draining connections.
		evb.Disconnect(shutdownCtx)
		reg.Close()
		cancelBackground()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	redisClient := setupRedis(context.Background(), cfg)
	defer func() { _ = redisClient.Close() }()

	reg := registry.New(clock, cfg.HeartbeatInterval, cfg.ReconnectGraceWindow)

	evb := bridge.New(redisClient)
	if err := evb.Connect(context.Background()); err != nil {
		slog.Error("Failed to connect event bridge", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(evb, reg)
	if err := dispatcher.Start(context.Background()); err != nil {
		slog.Error("Failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	fallback := admission.NewSlidingWindow(clock)
	stopFallbackEviction := fallback.StartEvictionTimer(cfg.RateLimitCleanupInterval)
	defer stopFallbackEviction()
	limiter := admission.NewLimiter(admission.NewRedisCounter(redisClient), fallback)

	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	instances := coordination.NewInstanceRegistry(redisClient, instanceID(), cfg.InstanceHeartbeat, func() (int, int, uint64) {
		stats := reg.GetStats()
		return stats.ActiveConnections, stats.ActiveSubscriptions, stats.MessagesSent
	})
	go instances.Start(backgroundCtx)

	srv := server.NewServer(cfg, reg, instances, redisClient, limiter)

	done := runGracefulShutdown(srv, reg, evb, cancelBackground)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
