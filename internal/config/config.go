// Package config provides configuration management for convmem.
// It loads settings from environment variables with the CONVMEM_ prefix and
// provides sensible defaults for all configuration options.
//
// An optional YAML file can be layered between the defaults and the
// environment: LoadConfigFile reads the file over the defaults, then applies
// any CONVMEM_ variables that are set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the convmem service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Engine      EngineConfig      `yaml:"engine"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Retention   RetentionConfig   `yaml:"retention"`
	Backup      BackupConfig      `yaml:"backup"`
	Security    SecurityConfig    `yaml:"security"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // Server port (default: 6464)
	Host            string        `yaml:"host"`             // Server host (default: 127.0.0.1)
	RateLimit       float64       `yaml:"rate_limit"`       // Requests per second per server, 0 disables (default: 50)
	RateBurst       int           `yaml:"rate_burst"`       // Burst allowance (default: 100)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Graceful HTTP shutdown (default: 10s)
	AllowedOrigins  []string      `yaml:"allowed_origins"`  // WebSocket origin patterns (default: localhost and 127.0.0.1 on any port)
	EventSpool      bool          `yaml:"event_spool"`      // Relay events from other processes via {data_path}/events (default: true)
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	StorageEngine string `yaml:"engine"`       // sqlite, postgres or memory (default: sqlite)
	DataPath      string `yaml:"data_path"`    // Path to data directory (default: ./data)
	PostgresDSN   string `yaml:"postgres_dsn"` // Required when StorageEngine is postgres
}

// EngineConfig tunes the conversation context store.
type EngineConfig struct {
	PersistMode     string        `yaml:"persist_mode"`     // sync or async (default: async)
	NumWorkers      int           `yaml:"num_workers"`      // Async persistence workers (default: 4)
	QueueSize       int           `yaml:"queue_size"`       // Async queue capacity (default: 1000)
	MaxRetries      int           `yaml:"max_retries"`      // Async write retries (default: 3)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Queue drain limit (default: 30s)
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // Single write limit (default: 5s)
}

// PersistenceConfig controls the circuit breaker around the database.
type PersistenceConfig struct {
	BreakerEnabled bool          `yaml:"breaker_enabled"` // Wrap the backend in a breaker (default: true)
	MaxFailures    uint32        `yaml:"max_failures"`    // Consecutive failures to trip (default: 5)
	OpenTimeout    time.Duration `yaml:"open_timeout"`    // Time before half-open (default: 30s)
}

// RetentionConfig controls scheduled removal of stale contexts.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`  // Run scheduled cleanup (default: false)
	MaxAge   time.Duration `yaml:"max_age"`  // Contexts idle longer are removed (default: 2160h)
	Schedule string        `yaml:"schedule"` // Cron spec (default: "0 4 * * *")
}

// BackupConfig contains memory bank backup configuration.
type BackupConfig struct {
	BackupEnabled          bool   `yaml:"enabled"`           // Enable scheduled backups (default: false)
	BackupSchedule         string `yaml:"schedule"`          // Cron spec (default: @daily)
	BackupPath             string `yaml:"path"`              // Path to backup directory (default: ./backups)
	BackupRetentionHourly  int    `yaml:"retention_hourly"`  // Hourly backups to keep (default: 24)
	BackupRetentionDaily   int    `yaml:"retention_daily"`   // Daily backups to keep (default: 7)
	BackupRetentionWeekly  int    `yaml:"retention_weekly"`  // Weekly backups to keep (default: 4)
	BackupRetentionMonthly int    `yaml:"retention_monthly"` // Monthly backups to keep (default: 12)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string `yaml:"mode"`      // development or production (default: development)
	APIToken     string `yaml:"api_token"` // Bearer token, required in production
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json or console (default: json)
}

// Default returns the built-in defaults without consulting the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            6464,
			Host:            "127.0.0.1",
			RateLimit:       50,
			RateBurst:       100,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"localhost:*", "127.0.0.1:*"},
			EventSpool:      true,
		},
		Storage: StorageConfig{
			StorageEngine: "sqlite",
			DataPath:      "./data",
		},
		Engine: EngineConfig{
			PersistMode:     "async",
			NumWorkers:      4,
			QueueSize:       1000,
			MaxRetries:      3,
			ShutdownTimeout: 30 * time.Second,
			WriteTimeout:    5 * time.Second,
		},
		Persistence: PersistenceConfig{
			BreakerEnabled: true,
			MaxFailures:    5,
			OpenTimeout:    30 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:  false,
			MaxAge:   90 * 24 * time.Hour,
			Schedule: "0 4 * * *",
		},
		Backup: BackupConfig{
			BackupEnabled:          false,
			BackupSchedule:         "@daily",
			BackupPath:             "./backups",
			BackupRetentionHourly:  24,
			BackupRetentionDaily:   7,
			BackupRetentionWeekly:  4,
			BackupRetentionMonthly: 12,
		},
		Security: SecurityConfig{
			SecurityMode: "development",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// All environment variables use the CONVMEM_ prefix.
func LoadConfig() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)
	return cfg, nil
}

// LoadConfigFile reads a YAML file over the defaults and then applies
// environment overrides. An empty path behaves like LoadConfig.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return LoadConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// Validate checks the settings that would otherwise fail late at startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must be >= 0, got %v", c.Server.RateLimit))
	}

	switch c.Storage.StorageEngine {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires CONVMEM_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage engine %q (want sqlite, postgres or memory)", c.Storage.StorageEngine))
	}

	if c.Engine.PersistMode != "sync" && c.Engine.PersistMode != "async" {
		errs = append(errs, fmt.Errorf("persist mode must be sync or async, got %q", c.Engine.PersistMode))
	}
	if c.Engine.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("engine workers must be >= 1, got %d", c.Engine.NumWorkers))
	}
	if c.Engine.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("engine queue size must be >= 1, got %d", c.Engine.QueueSize))
	}

	if c.Retention.Enabled {
		if c.Retention.MaxAge <= 0 {
			errs = append(errs, fmt.Errorf("retention max age must be positive, got %v", c.Retention.MaxAge))
		}
		if c.Retention.Schedule == "" {
			errs = append(errs, errors.New("retention schedule is required when retention is enabled"))
		}
	}

	if c.Backup.BackupEnabled && c.Backup.BackupPath == "" {
		errs = append(errs, errors.New("backup path is required when backups are enabled"))
	}

	switch c.Security.SecurityMode {
	case "development":
	case "production":
		if c.Security.APIToken == "" {
			errs = append(errs, errors.New("production mode requires CONVMEM_API_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("security mode must be development or production, got %q", c.Security.SecurityMode))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether authentication is enforced.
func (c *Config) IsProduction() bool {
	return c.Security.SecurityMode == "production"
}

// applyEnv overrides cfg with every CONVMEM_ variable that is set.
func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("CONVMEM_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("CONVMEM_HOST", cfg.Server.Host)
	cfg.Server.RateLimit = getEnvFloat("CONVMEM_RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.RateBurst = getEnvInt("CONVMEM_RATE_BURST", cfg.Server.RateBurst)
	cfg.Server.ShutdownTimeout = getEnvDuration("CONVMEM_SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.AllowedOrigins = getEnvList("CONVMEM_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	cfg.Server.EventSpool = getEnvBool("CONVMEM_EVENT_SPOOL", cfg.Server.EventSpool)

	cfg.Storage.StorageEngine = getEnv("CONVMEM_STORAGE_ENGINE", cfg.Storage.StorageEngine)
	cfg.Storage.DataPath = getEnv("CONVMEM_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("CONVMEM_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Engine.PersistMode = getEnv("CONVMEM_PERSIST_MODE", cfg.Engine.PersistMode)
	cfg.Engine.NumWorkers = getEnvInt("CONVMEM_PERSIST_WORKERS", cfg.Engine.NumWorkers)
	cfg.Engine.QueueSize = getEnvInt("CONVMEM_PERSIST_QUEUE_SIZE", cfg.Engine.QueueSize)
	cfg.Engine.MaxRetries = getEnvInt("CONVMEM_PERSIST_MAX_RETRIES", cfg.Engine.MaxRetries)
	cfg.Engine.ShutdownTimeout = getEnvDuration("CONVMEM_PERSIST_SHUTDOWN_TIMEOUT", cfg.Engine.ShutdownTimeout)
	cfg.Engine.WriteTimeout = getEnvDuration("CONVMEM_PERSIST_WRITE_TIMEOUT", cfg.Engine.WriteTimeout)

	cfg.Persistence.BreakerEnabled = getEnvBool("CONVMEM_BREAKER_ENABLED", cfg.Persistence.BreakerEnabled)
	cfg.Persistence.MaxFailures = uint32(getEnvInt("CONVMEM_BREAKER_MAX_FAILURES", int(cfg.Persistence.MaxFailures)))
	cfg.Persistence.OpenTimeout = getEnvDuration("CONVMEM_BREAKER_OPEN_TIMEOUT", cfg.Persistence.OpenTimeout)

	cfg.Retention.Enabled = getEnvBool("CONVMEM_RETENTION_ENABLED", cfg.Retention.Enabled)
	cfg.Retention.MaxAge = getEnvDuration("CONVMEM_RETENTION_MAX_AGE", cfg.Retention.MaxAge)
	cfg.Retention.Schedule = getEnv("CONVMEM_RETENTION_SCHEDULE", cfg.Retention.Schedule)

	cfg.Backup.BackupEnabled = getEnvBool("CONVMEM_BACKUP_ENABLED", cfg.Backup.BackupEnabled)
	cfg.Backup.BackupSchedule = getEnv("CONVMEM_BACKUP_SCHEDULE", cfg.Backup.BackupSchedule)
	cfg.Backup.BackupPath = getEnv("CONVMEM_BACKUP_PATH", cfg.Backup.BackupPath)
	cfg.Backup.BackupRetentionHourly = getEnvInt("CONVMEM_BACKUP_RETENTION_HOURLY", cfg.Backup.BackupRetentionHourly)
	cfg.Backup.BackupRetentionDaily = getEnvInt("CONVMEM_BACKUP_RETENTION_DAILY", cfg.Backup.BackupRetentionDaily)
	cfg.Backup.BackupRetentionWeekly = getEnvInt("CONVMEM_BACKUP_RETENTION_WEEKLY", cfg.Backup.BackupRetentionWeekly)
	cfg.Backup.BackupRetentionMonthly = getEnvInt("CONVMEM_BACKUP_RETENTION_MONTHLY", cfg.Backup.BackupRetentionMonthly)

	cfg.Security.SecurityMode = getEnv("CONVMEM_SECURITY_MODE", cfg.Security.SecurityMode)
	cfg.Security.APIToken = getEnv("CONVMEM_API_TOKEN", cfg.Security.APIToken)

	cfg.Log.Level = getEnv("CONVMEM_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("CONVMEM_LOG_FORMAT", cfg.Log.Format)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration parses values like "30s" or "72h"; unparsable values fall
// back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
