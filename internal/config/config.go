package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
// - DATA_DIR: base directory for all job storage (default: ./data)
// - LISTEN_ADDR: HTTP listen address (default: :8080)
// - DOWNLOAD_CHUNK_SIZE: download copy buffer size in bytes (default: 1 MiB)
// - DOWNLOAD_RETRIES: download attempts before a job fails (default: 3)
// - DOWNLOAD_BACKOFF_SECONDS: retry backoff unit; wait is unit*2^attempt (default: 1)
// - RETENTION_MAX_AGE_HOURS: drop terminal jobs older than this; 0 disables (default: 0)
// - RETENTION_CRON: schedule for the retention sweep (default: @hourly)
type Config struct {
	DataDir    string `json:"data_dir"`
	ListenAddr string `json:"listen_addr"`

	Download  DownloadConfig  `json:"download"`
	Retention RetentionConfig `json:"retention"`
}

type DownloadConfig struct {
	ChunkSize int           `json:"chunk_size"`
	Retries   int           `json:"retries"`
	Backoff   time.Duration `json:"backoff"`
}

// RetentionConfig controls the periodic cleanup of finished jobs.
// A zero MaxAge disables the sweep entirely.
type RetentionConfig struct {
	MaxAge   time.Duration `json:"max_age"`
	CronExpr string        `json:"cron_expr"`
}

// NewFromEnv creates a new Config instance from environment variables and
// ensures the storage layout exists on disk.
func NewFromEnv() (*Config, error) {
	config := &Config{
		DataDir:    getEnvString("DATA_DIR", "data"),
		ListenAddr: getEnvString("LISTEN_ADDR", ":8080"),
		Download: DownloadConfig{
			ChunkSize: getEnvInt("DOWNLOAD_CHUNK_SIZE", 1024*1024),
			Retries:   getEnvInt("DOWNLOAD_RETRIES", 3),
			Backoff:   time.Duration(getEnvInt("DOWNLOAD_BACKOFF_SECONDS", 1)) * time.Second,
		},
		Retention: RetentionConfig{
			MaxAge:   time.Duration(getEnvInt("RETENTION_MAX_AGE_HOURS", 0)) * time.Hour,
			CronExpr: getEnvString("RETENTION_CRON", "@hourly"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	if err := config.ensureDirs(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("DOWNLOAD_CHUNK_SIZE must be positive")
	}
	if c.Download.Retries <= 0 {
		return fmt.Errorf("DOWNLOAD_RETRIES must be positive")
	}
	return nil
}

// DownloadDir is where fetched archives land.
func (c *Config) DownloadDir() string {
	return filepath.Join(c.DataDir, "downloads")
}

// ExtractDir holds one subdirectory per job with the unpacked archive.
func (c *Config) ExtractDir() string {
	return filepath.Join(c.DataDir, "extracted")
}

// IndexDir holds one search index file per job.
func (c *Config) IndexDir() string {
	return filepath.Join(c.DataDir, "indexes")
}

// JobsFile is the durable registry snapshot.
func (c *Config) JobsFile() string {
	return filepath.Join(c.DataDir, "jobs.json")
}

func (c *Config) ensureDirs() error {
	for _, dir := range []string{c.DataDir, c.DownloadDir(), c.ExtractDir(), c.IndexDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
