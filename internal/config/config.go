// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
// Values come from the environment (optionally via a .env file); every
// field has a production default so the service starts with no env at all.
type Config struct {
	// Server
	Port      int
	LogLevel  string
	LogPretty bool

	// Storage
	DataDir string // base directory for the DB file, caches and backup staging (always absolute)
	DBFile  string // SQLite file name inside DataDir

	// Upstream endpoints
	DRListURL string // DR list JSON endpoint
	TVBase    string // per-symbol ratings endpoint
	TVScanURL string // scanner scan base (global + per-market screener)

	// Rating ingestion
	MaxConcurrency int
	RequestTimeout time.Duration // per fetch attempt
	UpdateInterval time.Duration // live sweep period
	BatchSleep     time.Duration // pause between fan-out batches

	// News / quotes
	NewsAPIKey    string
	FinnhubAPIKey string
	NewsCacheTTL  time.Duration

	// DR price calculation
	CalcCacheTTL time.Duration

	// Scheduled jobs (cron expressions, with seconds field)
	EarningsRefreshSchedule string
	WALCheckpointSchedule   string

	// Backups
	BackupEnabled     bool
	BackupSchedule    string
	BackupKeep        int
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		Port:      getEnvAsInt("PORT", 8000),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		DataDir: absDataDir,
		DBFile:  getEnv("DB_FILE", "ratings.sqlite"),

		DRListURL: getEnv("DR_LIST_URL", "https://wealth-api.settrade.com/api/dr/list"),
		TVBase:    getEnv("TV_BASE", "https://scanner.tradingview.com/symbol"),
		TVScanURL: getEnv("TV_SCAN_URL", "https://scanner.tradingview.com"),

		MaxConcurrency: getEnvAsInt("MAX_CONCURRENCY", 4),
		RequestTimeout: getEnvAsSeconds("REQUEST_TIMEOUT", 15),
		UpdateInterval: getEnvAsSeconds("UPDATE_INTERVAL", 180),
		BatchSleep:     getEnvAsSeconds("BATCH_SLEEP", 1),

		NewsAPIKey:    getEnv("NEWS_API_KEY", ""),
		FinnhubAPIKey: getEnv("FINNHUB_API_KEY", ""),
		NewsCacheTTL:  getEnvAsSeconds("NEWS_CACHE_TTL", 300),

		CalcCacheTTL: getEnvAsSeconds("CALC_CACHE_TTL", 5),

		EarningsRefreshSchedule: getEnv("EARNINGS_REFRESH_SCHEDULE", "0 10 * * * *"),
		WALCheckpointSchedule:   getEnv("WAL_CHECKPOINT_SCHEDULE", "0 40 * * * *"),

		BackupEnabled:     getEnvAsBool("BACKUP_ENABLED", false),
		BackupSchedule:    getEnv("BACKUP_SCHEDULE", "0 30 19 * * *"),
		BackupKeep:        getEnvAsInt("BACKUP_KEEP", 14),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Region:          getEnv("S3_REGION", "auto"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DBPath returns the absolute path of the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.DRListURL == "" {
		return fmt.Errorf("DR_LIST_URL must not be empty")
	}
	if c.TVBase == "" {
		return fmt.Errorf("TV_BASE must not be empty")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.BackupEnabled {
		if c.S3Bucket == "" || c.S3AccessKeyID == "" || c.S3SecretAccessKey == "" {
			return fmt.Errorf("backups enabled but S3_BUCKET / S3_ACCESS_KEY_ID / S3_SECRET_ACCESS_KEY not configured")
		}
	}
	return nil
}

// Helper functions
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

// getEnvAsSeconds reads an integer number of seconds.
func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
