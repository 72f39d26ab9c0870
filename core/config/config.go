package config

import (
	"strings"
	"time"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App       AppConfig
	Gateway   GatewayConfig
	Database  DatabaseConfig
	Valkey    ValkeyConfig
	Delivery  DeliveryConfig
	RateLimit RateLimitConfig
	Health    HealthConfig
	Inbound   InboundConfig
}

type AppConfig struct {
	Version        string
	Port           string
	Debug          bool
	Environment    string
	BasicAuth      []string
	BasePath       string
	TrustedProxies []string
	BaseURL        string
	ServerID       string
}

// GatewayConfig configures the upstream Evolution API.
type GatewayConfig struct {
	BaseURL     string
	APIKey      string
	HTTPTimeout time.Duration
}

type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

type ValkeyConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// DeliveryConfig tunes the outbound queue and its workers.
type DeliveryConfig struct {
	MaxDeliveries  int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	ClaimIdle      time.Duration
	ReadBlock      time.Duration
	ReadCount      int
	StreamMaxLen   int64
	IdempotencyTTL time.Duration
	ShutdownBudget time.Duration
}

type RateLimitConfig struct {
	TokensPerSecond float64
	Capacity        int
}

type HealthConfig struct {
	CheckInterval  time.Duration
	ReaperInterval time.Duration
}

type InboundConfig struct {
	PoolSize  int
	QueueSize int
}

// Global provides access to the loaded configuration globally.
var Global *Config

// LoadConfig loads configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	var basicAuth []string
	if v := getEnv("APP_BASIC_AUTH", ""); v != "" {
		basicAuth = strings.Split(v, ",")
	}

	appCfg := AppConfig{
		Version:     "v1.2.0",
		Port:        getEnv("APP_PORT", "3000"),
		Debug:       getEnvBool("APP_DEBUG", false),
		Environment: getEnv("APP_ENV", "development"),
		BasicAuth:   basicAuth,
		BasePath:    getEnv("APP_BASE_PATH", ""),
		BaseURL:     getEnv("APP_BASE_URL", "http://localhost:3000"),
		ServerID:    getEnv("SERVER_ID", ""),
	}
	if v := getEnv("APP_TRUSTED_PROXIES", ""); v != "" {
		appCfg.TrustedProxies = strings.Split(v, ",")
	}

	cfg := &Config{
		App: appCfg,
		Gateway: GatewayConfig{
			BaseURL:     getEnv("EVOLUTION_BASE_URL", "http://localhost:8080"),
			APIKey:      getEnv("EVOLUTION_API_KEY", ""),
			HTTPTimeout: getEnvDuration("EVOLUTION_HTTP_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			DSN:    getEnv("DB_DSN", "file:storages/registry.db?_foreign_keys=on"),
		},
		Valkey: ValkeyConfig{
			Address:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
			Password:  getEnv("VALKEY_PASSWORD", ""),
			DB:        getEnvInt("VALKEY_DB", 0),
			KeyPrefix: getEnv("VALKEY_KEY_PREFIX", ""),
		},
		Delivery: DeliveryConfig{
			MaxDeliveries:  getEnvInt("MAX_DELIVERIES", 5),
			BaseBackoff:    getEnvDuration("BASE_BACKOFF", 2*time.Second),
			MaxBackoff:     getEnvDuration("MAX_BACKOFF", 60*time.Second),
			ClaimIdle:      getEnvDuration("CLAIM_IDLE", 15*time.Second),
			ReadBlock:      getEnvDuration("READ_BLOCK", 5*time.Second),
			ReadCount:      getEnvInt("READ_COUNT", 10),
			StreamMaxLen:   getEnvInt64("STREAM_MAX_LEN", 10000),
			IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			ShutdownBudget: getEnvDuration("SHUTDOWN_BUDGET", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			TokensPerSecond: getEnvFloat("RATE_TOKENS_PER_SECOND", 1.0),
			Capacity:        getEnvInt("RATE_CAPACITY", 5),
		},
		Health: HealthConfig{
			CheckInterval:  getEnvDuration("HEALTH_CHECK_INTERVAL", 5*time.Minute),
			ReaperInterval: getEnvDuration("ORPHAN_REAPER_INTERVAL", time.Hour),
		},
		Inbound: InboundConfig{
			PoolSize:  getEnvInt("INBOUND_POOL_SIZE", 20),
			QueueSize: getEnvInt("INBOUND_QUEUE_SIZE", 1000),
		},
	}

	Global = cfg
	return cfg, nil
}
