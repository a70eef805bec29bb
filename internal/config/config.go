package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	RedisURL  string `env:"REDIS_URL"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Connection Registry
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	ReconnectGraceWindow time.Duration `env:"RECONNECT_GRACE_WINDOW" default:"2m"`

	// Upgrade-path connection limits
	MaxConnections       int64   `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP  int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionsPerSecond float64 `env:"CONNECTIONS_PER_SECOND" default:"10"`
	ConnectionBurst      int     `env:"CONNECTION_BURST" default:"10"`

	// Admission Controller tier budgets (requests per hour)
	AnonymousHourlyLimit int `env:"ANONYMOUS_HOURLY_LIMIT" default:"100"`
	BasicHourlyLimit     int `env:"BASIC_HOURLY_LIMIT" default:"1000"`
	ProHourlyLimit       int `env:"PRO_HOURLY_LIMIT" default:"10000"`

	// Admission Controller endpoint budgets for expensive paths
	// (comma-separated path list sharing one limit and window)
	EndpointLimitPaths    string        `env:"ENDPOINT_LIMIT_PATHS" default:"/api/connections,/api/instances"`
	EndpointLimitRequests int           `env:"ENDPOINT_LIMIT_REQUESTS" default:"60"`
	EndpointLimitWindow   time.Duration `env:"ENDPOINT_LIMIT_WINDOW" default:"1m"`

	// Fallback counter hygiene
	RateLimitCleanupInterval time.Duration `env:"RATE_LIMIT_CLEANUP_INTERVAL" default:"5m"`

	// Cross-instance coordination
	InstanceHeartbeat time.Duration `env:"INSTANCE_HEARTBEAT" default:"15s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.ReconnectGraceWindow <= 0 {
		return fmt.Errorf("RECONNECT_GRACE_WINDOW must be positive")
	}
	if cfg.AnonymousHourlyLimit <= 0 || cfg.BasicHourlyLimit <= 0 || cfg.ProHourlyLimit <= 0 {
		return fmt.Errorf("tier limits must be positive")
	}
	if cfg.EndpointLimitRequests <= 0 || cfg.EndpointLimitWindow <= 0 {
		return fmt.Errorf("endpoint limits must be positive")
	}
	return nil
}
