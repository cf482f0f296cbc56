package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulwise/convmem/internal/config"
)

func TestLoadConfig_DefaultHostIsLocalhost(t *testing.T) {
	t.Setenv("CONVMEM_HOST", "")
	cfg, err := config.LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
}

func TestLoadConfig_CanOverrideHost(t *testing.T) {
	t.Setenv("CONVMEM_HOST", "0.0.0.0")
	cfg, err := config.LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Storage.StorageEngine)
	assert.Equal(t, "async", cfg.Engine.PersistMode)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.MaxAge)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfig_TypedOverrides(t *testing.T) {
	t.Setenv("CONVMEM_PORT", "7000")
	t.Setenv("CONVMEM_PERSIST_MODE", "sync")
	t.Setenv("CONVMEM_RETENTION_ENABLED", "YES")
	t.Setenv("CONVMEM_RETENTION_MAX_AGE", "72h")
	t.Setenv("CONVMEM_RATE_LIMIT", "2.5")
	t.Setenv("CONVMEM_BREAKER_MAX_FAILURES", "9")
	t.Setenv("CONVMEM_EVENT_SPOOL", "false")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "sync", cfg.Engine.PersistMode)
	assert.True(t, cfg.Retention.Enabled)
	assert.Equal(t, 72*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 2.5, cfg.Server.RateLimit)
	assert.Equal(t, uint32(9), cfg.Persistence.MaxFailures)
	assert.False(t, cfg.Server.EventSpool)
}

func TestLoadConfig_UnparsableValuesKeepDefaults(t *testing.T) {
	t.Setenv("CONVMEM_PORT", "not-a-port")
	t.Setenv("CONVMEM_RETENTION_MAX_AGE", "ninety days")
	t.Setenv("CONVMEM_BACKUP_ENABLED", "maybe")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 6464, cfg.Server.Port)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.MaxAge)
	assert.False(t, cfg.Backup.BackupEnabled)
}

func TestLoadConfigFile_EnvBeatsFileBeatsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
storage:
  engine: postgres
  postgres_dsn: postgres://localhost/convmem
engine:
  persist_mode: sync
  shutdown_timeout: 45s
retention:
  enabled: true
  max_age: 720h
`), 0o600))

	t.Setenv("CONVMEM_PORT", "9090")

	cfg, err := config.LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.StorageEngine)
	assert.Equal(t, "sync", cfg.Engine.PersistMode)
	assert.Equal(t, 45*time.Second, cfg.Engine.ShutdownTimeout)
	assert.Equal(t, 720*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 4, cfg.Engine.NumWorkers, "unset keys keep defaults")
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := config.LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err = config.LoadConfigFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"bad port", func(c *config.Config) { c.Server.Port = 0 }, "server port"},
		{"unknown engine", func(c *config.Config) { c.Storage.StorageEngine = "mongo" }, "unknown storage engine"},
		{"postgres without dsn", func(c *config.Config) { c.Storage.StorageEngine = "postgres" }, "CONVMEM_POSTGRES_DSN"},
		{"bad persist mode", func(c *config.Config) { c.Engine.PersistMode = "later" }, "persist mode"},
		{"zero workers", func(c *config.Config) { c.Engine.NumWorkers = 0 }, "workers"},
		{"retention without age", func(c *config.Config) {
			c.Retention.Enabled = true
			c.Retention.MaxAge = 0
		}, "retention max age"},
		{"production without token", func(c *config.Config) { c.Security.SecurityMode = "production" }, "CONVMEM_API_TOKEN"},
		{"unknown security mode", func(c *config.Config) { c.Security.SecurityMode = "open" }, "security mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_MemoryEngineAndProductionWithToken(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.StorageEngine = "memory"
	cfg.Security.SecurityMode = "production"
	cfg.Security.APIToken = "secret"
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfig_AllowedOrigins(t *testing.T) {
	t.Setenv("CONVMEM_ALLOWED_ORIGINS", "app.example.com, ,*.example.org")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"app.example.com", "*.example.org"}, cfg.Server.AllowedOrigins)

	t.Setenv("CONVMEM_ALLOWED_ORIGINS", " , ")
	cfg, err = config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:*", "127.0.0.1:*"}, cfg.Server.AllowedOrigins)
}
