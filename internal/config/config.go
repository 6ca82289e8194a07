// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Metrics
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Message queues
	QueueDir string

	// Worker pools
	ListenerWorkers  int
	ProcessorWorkers int

	// Walker liveness windows
	WalkerDisconnectSeconds int
	WalkerCutoffMinutes     int

	// Thumbnails (downstream image processing)
	ThumbnailSize     int
	ThumbnailGenerate bool

	// S3 credentials for stores whose base URI is s3://
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		MetricsAddr:             envOr("METRICS_ADDR", ":9090"),
		LogLevel:                envOr("LOG_LEVEL", "info"),
		LogFormat:               envOr("LOG_FORMAT", "json"),
		DatabaseURL:             envOr("DATABASE_URL", ""),
		QueueDir:                envOr("QUEUE_DIR", "/data/queues"),
		ListenerWorkers:         envInt("LISTENER_WORKERS", 4),
		ProcessorWorkers:        envInt("PROCESSOR_WORKERS", 2),
		WalkerDisconnectSeconds: envInt("WALKER_DISCONNECT_SECONDS", 30),
		WalkerCutoffMinutes:     envInt("WALKER_CUTOFF_MINUTES", 1440),
		ThumbnailSize:           envInt("THUMBNAIL_SIZE", 200),
		ThumbnailGenerate:       envBool("THUMBNAIL_GENERATE", false),
		S3Endpoint:              envOr("S3_ENDPOINT", ""),
		S3Region:                envOr("S3_REGION", "us-east-1"),
		S3AccessKey:             envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:             envOr("S3_SECRET_KEY", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	// Purge implies prior disconnect; the cutoff must be the longer window.
	if cfg.WalkerCutoffMinutes*60 <= cfg.WalkerDisconnectSeconds {
		return nil, fmt.Errorf("WALKER_CUTOFF_MINUTES must exceed WALKER_DISCONNECT_SECONDS")
	}

	return cfg, nil
}

// DisconnectWindow returns the walker disconnect window as a duration.
func (c *Config) DisconnectWindow() time.Duration {
	return time.Duration(c.WalkerDisconnectSeconds) * time.Second
}

// CutoffWindow returns the walker purge cutoff window as a duration.
func (c *Config) CutoffWindow() time.Duration {
	return time.Duration(c.WalkerCutoffMinutes) * time.Minute
}

// WalkerConfig holds walker agent configuration.
type WalkerConfig struct {
	LogLevel  string
	LogFormat string

	DatabaseURL string
	QueueDir    string

	StoreNickname     string
	StoreBaseURI      string
	StoreLocalBaseURI string

	ScanIntervalSeconds   int
	StatusIntervalSeconds int
}

// LoadWalker reads walker configuration from environment variables.
func LoadWalker() (*WalkerConfig, error) {
	cfg := &WalkerConfig{
		LogLevel:              envOr("LOG_LEVEL", "info"),
		LogFormat:             envOr("LOG_FORMAT", "json"),
		DatabaseURL:           envOr("DATABASE_URL", ""),
		QueueDir:              envOr("QUEUE_DIR", "/data/queues"),
		StoreNickname:         envOr("STORE_NICKNAME", ""),
		StoreBaseURI:          envOr("STORE_BASE_URI", ""),
		StoreLocalBaseURI:     envOr("STORE_LOCAL_BASE_URI", ""),
		ScanIntervalSeconds:   envInt("SCAN_INTERVAL_SECONDS", 300),
		StatusIntervalSeconds: envInt("STATUS_INTERVAL_SECONDS", 10),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.StoreNickname == "" {
		return nil, fmt.Errorf("STORE_NICKNAME is required")
	}
	if cfg.StoreBaseURI == "" && cfg.StoreLocalBaseURI == "" {
		return nil, fmt.Errorf("STORE_BASE_URI or STORE_LOCAL_BASE_URI is required")
	}

	return cfg, nil
}

// ScanInterval returns the walker scan interval as a duration.
func (c *WalkerConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// StatusInterval returns the walker status report interval as a duration.
func (c *WalkerConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds) * time.Second
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
