package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	DatabasePath    string
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Ingestion tuning.
	BatchSize    int           // rows per upsert batch
	QueueDepth   int           // bounded parse-to-flush queue length
	FlushRetries int           // attempts per batch before the run fails
	RejectLogDir string        // directory for per-run rejected-row logs
	CacheTTL     time.Duration // result cache freshness window
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	cacheTTL, err := parseDuration("CACHE_TTL", "5m")
	if err != nil {
		return nil, err
	}

	batchSize, err := parsePositiveInt("BATCH_SIZE", 2000)
	if err != nil {
		return nil, err
	}

	queueDepth, err := parsePositiveInt("QUEUE_DEPTH", 4*batchSize)
	if err != nil {
		return nil, err
	}

	flushRetries, err := parsePositiveInt("FLUSH_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabasePath:    envOrDefault("DATABASE_PATH", "basinflow.db"),
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		BatchSize:       batchSize,
		QueueDepth:      queueDepth,
		FlushRetries:    flushRetries,
		RejectLogDir:    envOrDefault("REJECT_LOG_DIR", "logs"),
		CacheTTL:        cacheTTL,
	}

	if cfg.DatabasePath == "" {
		return nil, errors.New("DATABASE_PATH is required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}
