// Package config loads sync engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full engine configuration.
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Transfer  TransferConfig
	S3        S3Config
	Scheduler SchedulerConfig
	Logging   LoggingConfig
}

// DatabaseConfig locates the local SQLite store and media cache.
type DatabaseConfig struct {
	DataDir  string
	MediaDir string
}

// ServerConfig points at the metadata service.
type ServerConfig struct {
	BaseURL     string
	PushURL     string
	AuthToken   string
	CallTimeout time.Duration
}

// TransferConfig tunes the file transfer manager.
type TransferConfig struct {
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	ImmediateSizeLimit int64         // bytes; files under this may ride the immediate band
	DrainInterval      time.Duration // periodic retry of deferred transfers
}

// S3Config enables direct presigning against an S3-compatible store.
// When Bucket is empty, presigned URLs come from the metadata service instead.
type S3Config struct {
	Bucket     string
	Region     string
	PresignTTL time.Duration
}

// SchedulerConfig tunes background cycle triggering.
type SchedulerConfig struct {
	SyncInterval time.Duration
}

// LoggingConfig selects the minimum log level.
type LoggingConfig struct {
	Level string
}

// Load reads configuration from a .env file (if present) and the process
// environment, applying defaults for anything unset.
func Load() (*Config, error) {
	godotenv.Load()

	callTimeout, err := time.ParseDuration(getEnv("SYNC_CALL_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_CALL_TIMEOUT: %w", err)
	}

	presignTTL, err := time.ParseDuration(getEnv("S3_PRESIGN_TTL", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid S3_PRESIGN_TTL: %w", err)
	}

	syncInterval, err := time.ParseDuration(getEnv("SYNC_INTERVAL", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_INTERVAL: %w", err)
	}

	drainInterval, err := time.ParseDuration(getEnv("TRANSFER_DRAIN_INTERVAL", "1m"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRANSFER_DRAIN_INTERVAL: %w", err)
	}

	dataDir := getEnv("DATA_DIR", defaultDataDir())

	return &Config{
		Database: DatabaseConfig{
			DataDir:  dataDir,
			MediaDir: getEnv("MEDIA_DIR", dataDir+"/media"),
		},
		Server: ServerConfig{
			BaseURL:     getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			PushURL:     getEnv("SERVER_PUSH_URL", ""),
			AuthToken:   getEnv("SERVER_AUTH_TOKEN", ""),
			CallTimeout: callTimeout,
		},
		Transfer: TransferConfig{
			MaxRetries:         getEnvAsInt("TRANSFER_MAX_RETRIES", 5),
			RetryBaseDelay:     time.Duration(getEnvAsInt("TRANSFER_RETRY_BASE_MS", 2000)) * time.Millisecond,
			RetryMaxDelay:      time.Duration(getEnvAsInt("TRANSFER_RETRY_MAX_MS", 300_000)) * time.Millisecond,
			ImmediateSizeLimit: int64(getEnvAsInt("TRANSFER_IMMEDIATE_LIMIT", 262_144)),
			DrainInterval:      drainInterval,
		},
		S3: S3Config{
			Bucket:     getEnv("S3_BUCKET", ""),
			Region:     getEnv("S3_REGION", "us-east-1"),
			PresignTTL: presignTTL,
		},
		Scheduler: SchedulerConfig{
			SyncInterval: syncInterval,
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return home + "/.wayfarer"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
