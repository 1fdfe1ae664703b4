// Package config loads server configuration from the environment. A local
// .env file is honored when present so development setups don't need to
// export every variable by hand.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the chat server process.
type Config struct {
	ListenAddr  string        `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsAddr string        `envconfig:"METRICS_ADDR" default:":9090"`

	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	// MaxPayloadBytes is the serialized event size ceiling; larger events
	// are dropped before any handler runs.
	MaxPayloadBytes int `envconfig:"MAX_PAYLOAD_BYTES" default:"102400"`

	PostgresDSN   string `envconfig:"POSTGRES_DSN" required:"true"`
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	NATSURL string `envconfig:"NATS_URL" default:"nats://localhost:4222"`

	// SessionBackend selects the session registry implementation:
	// "memory" for a single instance, "redis" for multi-instance
	// deployments that need a shared store.
	SessionBackend string `envconfig:"SESSION_BACKEND" default:"memory"`
	RedisAddr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	SearchIndexDir string `envconfig:"SEARCH_INDEX_DIR" default:"/var/lib/kindline/search"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// AnalyzerTimeout bounds how long a draft analysis request may take
	// before the gate fails open.
	AnalyzerTimeout time.Duration `envconfig:"ANALYZER_TIMEOUT" default:"3s"`

	ServerName string `envconfig:"SERVER_NAME" default:""`
}

// Load reads the optional .env file and then the process environment.
func Load() (Config, error) {
	// Missing .env is fine; explicit env vars always win.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.SessionBackend != "memory" && cfg.SessionBackend != "redis" {
		return Config{}, fmt.Errorf("config: SESSION_BACKEND must be \"memory\" or \"redis\", got %q", cfg.SessionBackend)
	}
	if cfg.MaxPayloadBytes <= 0 {
		return Config{}, fmt.Errorf("config: MAX_PAYLOAD_BYTES must be positive")
	}

	return cfg, nil
}
