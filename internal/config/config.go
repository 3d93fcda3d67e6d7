package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/localnerve/menusync/data"
	"github.com/localnerve/menusync/internal/policy"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Port string

	// Database configuration
	DBType            string // mysql, mariadb, postgres, sqlite, sqlite-pure, sqlserver
	DBHost            string
	DBPort            string
	DBDatabase        string // file path for the sqlite dialects
	DBUser            string
	DBPassword        string
	DBConnectionLimit int
	DBLogLevel        string

	// Authorizer configuration
	AuthzURL           string
	AuthzClientID      string
	AuthzPingTimeoutMS int

	// Branch lock configuration. An empty RedisAddress locks in process.
	RedisAddress   string
	RedisPassword  string
	LockTTLSeconds int
	LockWaitMS     int

	// Version history and reconciliation
	SnapshotCadence   int
	MaxReplayVersions int
	CommitRetries     int
	SweepParallelism  int
	SyncPolicyFile    string

	// Notifications. An empty PubSubTopic disables publishing.
	PubSubProjectID       string
	PubSubTopic           string
	PubSubCredentialsFile string

	// Logging
	LogLevel string
	LogFile  string
}

// Load loads configuration from the environment, after any .env file
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Port:                  getEnv("PORT", "3000"),
		DBType:                getEnv("DB_TYPE", "mysql"),
		DBHost:                getEnv("DB_HOST", "localhost"),
		DBPort:                getEnv("DB_PORT", "3306"),
		DBDatabase:            getEnv("DB_DATABASE", ""),
		DBUser:                getEnv("DB_USER", ""),
		DBPassword:            getEnv("DB_PASSWORD", ""),
		DBConnectionLimit:     getEnvAsInt("DB_CONNECTION_LIMIT", 10),
		DBLogLevel:            getEnv("DB_LOG_LEVEL", "warn"),
		AuthzURL:              getEnv("AUTHZ_URL", ""),
		AuthzClientID:         getEnv("AUTHZ_CLIENT_ID", ""),
		AuthzPingTimeoutMS:    getEnvAsInt("AUTHZ_PING_TIMEOUT_MS", 1500),
		RedisAddress:          getEnv("REDIS_ADDRESS", ""),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		LockTTLSeconds:        getEnvAsInt("LOCK_TTL_SECONDS", 30),
		LockWaitMS:            getEnvAsInt("LOCK_WAIT_MS", 0),
		SnapshotCadence:       getEnvAsInt("SNAPSHOT_CADENCE", 20),
		MaxReplayVersions:     getEnvAsInt("MAX_REPLAY_VERSIONS", 50),
		CommitRetries:         getEnvAsInt("COMMIT_RETRIES", 5),
		SweepParallelism:      getEnvAsInt("SWEEP_PARALLELISM", 4),
		SyncPolicyFile:        getEnv("SYNC_POLICY_FILE", ""),
		PubSubProjectID:       getEnv("PUBSUB_PROJECT_ID", ""),
		PubSubTopic:           getEnv("PUBSUB_TOPIC", ""),
		PubSubCredentialsFile: getEnv("PUBSUB_CREDENTIALS_FILE", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFile:               getEnv("LOG_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every entry point needs
func (cfg *Config) Validate() error {
	if cfg.DBDatabase == "" {
		return fmt.Errorf("DB_DATABASE is required")
	}
	if !cfg.IsSQLite() && cfg.DBUser == "" {
		return fmt.Errorf("DB_USER is required for DB_TYPE %s", cfg.DBType)
	}
	if cfg.PubSubTopic != "" && cfg.PubSubProjectID == "" {
		return fmt.Errorf("PUBSUB_PROJECT_ID is required when PUBSUB_TOPIC is set")
	}
	if cfg.SnapshotCadence < 0 || cfg.MaxReplayVersions < 0 {
		return fmt.Errorf("SNAPSHOT_CADENCE and MAX_REPLAY_VERSIONS cannot be negative")
	}
	return nil
}

// ValidateServer checks the additional settings of the HTTP server
func (cfg *Config) ValidateServer() error {
	if cfg.AuthzURL == "" {
		return fmt.Errorf("AUTHZ_URL is required")
	}
	if cfg.AuthzClientID == "" {
		return fmt.Errorf("AUTHZ_CLIENT_ID is required")
	}
	return nil
}

// IsSQLite reports whether the database is a local sqlite file
func (cfg *Config) IsSQLite() bool {
	return cfg.DBType == "sqlite" || cfg.DBType == "sqlite-pure"
}

// AuthzPingTimeout bounds the reachability check of the authorizer
func (cfg *Config) AuthzPingTimeout() time.Duration {
	return time.Duration(cfg.AuthzPingTimeoutMS) * time.Millisecond
}

// LockTTL is the expiry of a branch lock
func (cfg *Config) LockTTL() time.Duration {
	return time.Duration(cfg.LockTTLSeconds) * time.Second
}

// LockWait is how long a run waits for a busy branch before giving up
func (cfg *Config) LockWait() time.Duration {
	return time.Duration(cfg.LockWaitMS) * time.Millisecond
}

// DefaultPolicy returns the policy layered under every master menu's own policy:
// SYNC_POLICY_FILE when set, otherwise the embedded default.
func (cfg *Config) DefaultPolicy() (policy.Policy, error) {
	if cfg.SyncPolicyFile != "" {
		return policy.LoadFile(cfg.SyncPolicyFile)
	}
	return policy.ParseYAML(data.DefaultPolicy)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
