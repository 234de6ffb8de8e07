package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Maestro orchestrator.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Dispatch DispatchConfig
	Engines  EnginesConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	MaxPayloadBytes int
	RateLimitPerMin int
	// CallbackBaseURL is the externally reachable base URL of this API,
	// handed to engines so their reports land on POST /v1/jobs/report.
	CallbackBaseURL string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type QueueConfig struct {
	Stream string
	Group  string
}

type DispatchConfig struct {
	PoolSize     int
	RetryCeiling int
	// ReclaimMinIdle is how long a claimed entry may sit unacknowledged
	// before another dispatcher may steal it.
	ReclaimMinIdle time.Duration
	AckWait        time.Duration
	ReadBlock      time.Duration
}

type EnginesConfig struct {
	MetadataBaseURL string
	AudioBaseURL    string
	Timeout         time.Duration
	Token           string
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("MAESTRO_PORT", 8080),
			Env:             envString("MAESTRO_ENV", "development"),
			MaxPayloadBytes: envInt("MAX_PAYLOAD_BYTES", 65536),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
			CallbackBaseURL: envString("CALLBACK_BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Stream: envString("QUEUE_STREAM", "maestro:jobs"),
			Group:  envString("QUEUE_GROUP", "dispatchers"),
		},
		Dispatch: DispatchConfig{
			PoolSize:       envInt("DISPATCH_POOL_SIZE", 4),
			RetryCeiling:   envInt("DISPATCH_RETRY_CEILING", 2),
			ReclaimMinIdle: envDuration("DISPATCH_RECLAIM_MIN_IDLE", 30*time.Second),
			AckWait:        envDuration("DISPATCH_ACK_WAIT", 10*time.Minute),
			ReadBlock:      envDuration("DISPATCH_READ_BLOCK", 5*time.Second),
		},
		Engines: EnginesConfig{
			MetadataBaseURL: os.Getenv("METADATA_ENGINE_URL"),
			AudioBaseURL:    os.Getenv("AUDIO_ENGINE_URL"),
			Timeout:         envDuration("ENGINE_TIMEOUT", 30*time.Second),
			Token:           os.Getenv("ENGINE_TOKEN"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Queue.Stream == "" {
		return fmt.Errorf("QUEUE_STREAM must not be empty")
	}
	if c.Queue.Group == "" {
		return fmt.Errorf("QUEUE_GROUP must not be empty")
	}

	if c.Dispatch.PoolSize < 1 {
		return fmt.Errorf("DISPATCH_POOL_SIZE must be at least 1, got %d", c.Dispatch.PoolSize)
	}
	if c.Dispatch.RetryCeiling < 0 {
		return fmt.Errorf("DISPATCH_RETRY_CEILING must not be negative, got %d", c.Dispatch.RetryCeiling)
	}
	if c.Dispatch.ReclaimMinIdle <= 0 {
		return fmt.Errorf("DISPATCH_RECLAIM_MIN_IDLE must be positive, got %s", c.Dispatch.ReclaimMinIdle)
	}

	if c.Server.MaxPayloadBytes < 1 {
		return fmt.Errorf("MAX_PAYLOAD_BYTES must be at least 1, got %d", c.Server.MaxPayloadBytes)
	}

	if c.Engines.MetadataBaseURL == "" {
		return fmt.Errorf("METADATA_ENGINE_URL is required")
	}
	if c.Engines.AudioBaseURL == "" {
		return fmt.Errorf("AUDIO_ENGINE_URL is required")
	}
	for name, u := range map[string]string{
		"METADATA_ENGINE_URL": c.Engines.MetadataBaseURL,
		"AUDIO_ENGINE_URL":    c.Engines.AudioBaseURL,
		"CALLBACK_BASE_URL":   c.Server.CallbackBaseURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, u)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
