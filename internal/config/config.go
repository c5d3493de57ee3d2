package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the compressd server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Engine    EngineConfig
	Upload    UploadConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type RedisConfig struct {
	URL            string
	StatusCacheTTL time.Duration
}

type AuthConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	PerMinute int
}

// EngineConfig tunes the job engine's worker pool and activity policies.
type EngineConfig struct {
	Workers        int
	QueueSize      int
	PrepareDelay   time.Duration
	ArchiveTimeout time.Duration
	ReportTimeout  time.Duration
	MaxAttempts    int
	// RecoverOnStart replays unfinished jobs at startup. Recovery does not
	// claim jobs, so only one instance per database may enable it.
	RecoverOnStart bool
}

type UploadConfig struct {
	MaxBytes int64
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("COMPRESSD_PORT", 8080),
			Env:  envString("COMPRESSD_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			AutoMigrate:     envBool("DATABASE_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL:            os.Getenv("REDIS_URL"),
			StatusCacheTTL: envDuration("REDIS_STATUS_CACHE_TTL", 30*time.Minute),
		},
		Auth: AuthConfig{
			Enabled: envBool("AUTH_ENABLED", false),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		Engine: EngineConfig{
			Workers:        envInt("ENGINE_WORKERS", 4),
			QueueSize:      envInt("ENGINE_QUEUE_SIZE", 100),
			PrepareDelay:   envDuration("ENGINE_PREPARE_DELAY", time.Second),
			ArchiveTimeout: envDurationSecs("ENGINE_ARCHIVE_TIMEOUT", 300*time.Second),
			ReportTimeout:  envDurationSecs("ENGINE_REPORT_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("ENGINE_MAX_ATTEMPTS", 3),
			RecoverOnStart: envBool("ENGINE_RECOVER_ON_START", true),
		},
		Upload: UploadConfig{
			MaxBytes: int64(envInt("MAX_UPLOAD_BYTES", 64<<20)),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("COMPRESSD_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RateLimit.PerMinute)
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("ENGINE_WORKERS must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.QueueSize < 1 {
		return fmt.Errorf("ENGINE_QUEUE_SIZE must be at least 1, got %d", c.Engine.QueueSize)
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("ENGINE_MAX_ATTEMPTS must be at least 1, got %d", c.Engine.MaxAttempts)
	}
	if c.Engine.ArchiveTimeout <= 0 || c.Engine.ReportTimeout <= 0 {
		return fmt.Errorf("ENGINE_ARCHIVE_TIMEOUT and ENGINE_REPORT_TIMEOUT must be positive")
	}

	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.Upload.MaxBytes)
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

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// envDurationSecs accepts either a bare number of seconds or a Go duration string.
func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
