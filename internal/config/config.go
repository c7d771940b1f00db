package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration, sourced entirely from the
// environment (plus an optional local .env file).
type Config struct {
	// Server
	Port     int
	DevMode  bool
	LogLevel string

	// Store / cache connections
	StoreDSN  string
	CacheAddr string

	// Broker
	BrokerToken string
	BrokerEnv   string // "practice" or "live"

	// Universe
	TrackedPairs []string

	// Analytics
	CorrelationThreshold float64
	VolatilityThreshold  float64

	// Cache TTLs
	CacheTTLPrices      time.Duration
	CacheTTLMetrics     time.Duration
	CacheTTLCorrelation time.Duration

	// Broker rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Fan-out
	FanoutMaxClients   int
	FanoutPingInterval time.Duration
	FanoutPingTimeout  time.Duration

	// Jobs
	JobHourlyEnabled bool
	JobDailyEnabled  bool

	// Retention (advisory only; not enforced by the engine)
	DataRetentionDays int
}

const (
	brokerEnvPractice = "practice"
	brokerEnvLive     = "live"
)

// Load reads configuration from environment variables, loading a local
// .env file first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnvAsInt("GO_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreDSN:  getEnv("STORE_DSN", "./data/engine.db"),
		CacheAddr: getEnv("CACHE_ADDR", "localhost:6379"),

		BrokerToken: getEnv("BROKER_TOKEN", ""),
		BrokerEnv:   getEnv("BROKER_ENV", brokerEnvPractice),

		TrackedPairs: getEnvAsStringSlice("TRACKED_PAIRS", nil),

		CorrelationThreshold: getEnvAsFloat("CORRELATION_THRESHOLD", 0.7),
		VolatilityThreshold:  getEnvAsFloat("VOLATILITY_THRESHOLD", 2.0),

		CacheTTLPrices:      getEnvAsDuration("CACHE_TTL_PRICES", 300*time.Second),
		CacheTTLMetrics:     getEnvAsDuration("CACHE_TTL_METRICS", 3600*time.Second),
		CacheTTLCorrelation: getEnvAsDuration("CACHE_TTL_CORRELATION", 86400*time.Second),

		RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", 60*time.Second),

		FanoutMaxClients:   getEnvAsInt("FANOUT_MAX_CLIENTS", 1000),
		FanoutPingInterval: getEnvAsDuration("FANOUT_PING_INTERVAL", 25*time.Second),
		FanoutPingTimeout:  getEnvAsDuration("FANOUT_PING_TIMEOUT", 5*time.Second),

		JobHourlyEnabled: getEnvAsBool("JOB_HOURLY_ENABLED", true),
		JobDailyEnabled:  getEnvAsBool("JOB_DAILY_ENABLED", true),

		DataRetentionDays: getEnvAsInt("DATA_RETENTION_DAYS", 365),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required configuration and fails fast on anything that
// would leave the engine in an undefined state.
func (c *Config) Validate() error {
	if c.BrokerToken == "" {
		return fmt.Errorf("BROKER_TOKEN is required")
	}
	if c.BrokerEnv != brokerEnvPractice && c.BrokerEnv != brokerEnvLive {
		return fmt.Errorf("BROKER_ENV must be %q or %q, got %q", brokerEnvPractice, brokerEnvLive, c.BrokerEnv)
	}
	if len(c.TrackedPairs) == 0 {
		return fmt.Errorf("TRACKED_PAIRS is required and must be non-empty")
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN is required")
	}
	if c.CacheAddr == "" {
		return fmt.Errorf("CACHE_ADDR is required")
	}
	if c.CorrelationThreshold <= 0 || c.CorrelationThreshold > 1 {
		return fmt.Errorf("CORRELATION_THRESHOLD must be in (0, 1], got %v", c.CorrelationThreshold)
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.FanoutMaxClients <= 0 {
		return fmt.Errorf("FANOUT_MAX_CLIENTS must be positive")
	}
	return nil
}

// BaseURL resolves the broker's base URL for the configured environment.
func (c *Config) BaseURL() string {
	if c.BrokerEnv == brokerEnvLive {
		return "https://api-fxtrade.example.com"
	}
	return "https://api-fxpractice.example.com"
}

// Helper functions, in the teacher's config-loading idiom.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
