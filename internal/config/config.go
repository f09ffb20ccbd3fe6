package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/rangeload/internal/transfer"
)

// Checkpoint backends accepted by CHECKPOINT_BACKEND.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config struct for environment variables.
type Config struct {
	TargetDir         string        `envconfig:"TARGET_DIR" required:"true"`
	MaxConcurrent     int           `envconfig:"MAX_CONCURRENT" default:"2"`
	BlocksPerTask     int           `envconfig:"BLOCKS_PER_TASK" default:"3"`
	MinMultiBlockSize int64         `envconfig:"MIN_MULTI_BLOCK_SIZE" default:"1048576"`
	ProgressInterval  time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	CheckpointEvery   int64         `envconfig:"CHECKPOINT_EVERY" default:"1048576"`
	ChunkSize         int           `envconfig:"CHUNK_SIZE" default:"32768"`
	MaxSpeed          int64         `envconfig:"MAX_SPEED" default:"0"`
	KeepPartialFor    time.Duration `envconfig:"KEEP_PARTIAL_FOR" default:"72h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Log struct {
		File       string `split_words:"true"`
		MaxSizeMB  int    `split_words:"true" default:"100"`
		MaxBackups int    `split_words:"true" default:"3"`
		MaxAgeDays int    `split_words:"true" default:"28"`
	}

	Checkpoint struct {
		Backend       string `split_words:"true" default:"sqlite"`
		DBPath        string `split_words:"true" default:"rangeload.db"`
		PostgresDSN   string `split_words:"true"`
		RedisAddr     string `split_words:"true" default:"localhost:6379"`
		RedisPassword string `split_words:"true"`
		RedisDB       int    `split_words:"true" default:"0"`
	}

	Transport struct {
		UserAgent string        `split_words:"true" default:"rangeload/1.0"`
		Timeout   time.Duration `split_words:"true" default:"0s"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"rangeload"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the engine and queue cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.MaxConcurrent < 1:
		return &transfer.ConfigInvalidError{Field: "MAX_CONCURRENT", Value: c.MaxConcurrent, Reason: "must be at least 1"}
	case c.BlocksPerTask < 1:
		return &transfer.ConfigInvalidError{Field: "BLOCKS_PER_TASK", Value: c.BlocksPerTask, Reason: "must be at least 1"}
	case c.MinMultiBlockSize < 0:
		return &transfer.ConfigInvalidError{Field: "MIN_MULTI_BLOCK_SIZE", Value: c.MinMultiBlockSize, Reason: "must not be negative"}
	case c.ProgressInterval < 0:
		return &transfer.ConfigInvalidError{Field: "PROGRESS_INTERVAL", Value: c.ProgressInterval, Reason: "must not be negative"}
	case c.ChunkSize < 1:
		return &transfer.ConfigInvalidError{Field: "CHUNK_SIZE", Value: c.ChunkSize, Reason: "must be at least 1"}
	case c.MaxSpeed < 0:
		return &transfer.ConfigInvalidError{Field: "MAX_SPEED", Value: c.MaxSpeed, Reason: "must not be negative"}
	}

	switch c.Checkpoint.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.Checkpoint.PostgresDSN == "" {
			return &transfer.ConfigInvalidError{Field: "CHECKPOINT_POSTGRES_DSN", Reason: "required for the postgres backend"}
		}
	default:
		return &transfer.ConfigInvalidError{Field: "CHECKPOINT_BACKEND", Value: c.Checkpoint.Backend, Reason: "unknown backend"}
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
