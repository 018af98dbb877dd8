package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "@every 30s", cfg.Scheduler.Tick)
	assert.Equal(t, 5, cfg.Scheduler.MaxConsecutiveFailures)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoadYAML(t *testing.T) {
	path := writeYAML(t, `
server:
  port: 9090
store:
  driver: postgres
database:
  dsn: "postgres://test:test@db:5432/testdb"
redis:
  url: "redis://redis:6379"
  lock_ttl: 45s
log:
  level: "debug"
scheduler:
  enabled: false
  tick: "@every 1m"
  run_timeout: 90s
  max_concurrent_runs: 2
signal:
  url: "http://signals:9000"
  timeout: 5s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://test:test@db:5432/testdb", cfg.Database.DSN)
	assert.Equal(t, 45*time.Second, cfg.Redis.LockTTL)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.RunTimeout)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentRuns)
	assert.Equal(t, 5*time.Second, cfg.Signal.Timeout)
	// Unset keys keep their defaults.
	assert.Equal(t, 5, cfg.Scheduler.MaxConsecutiveFailures)
	assert.Equal(t, "json", cfg.Log.Encoding)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, `
server:
  port: 3000
log:
  level: "debug"
scheduler:
  tick: "@every 10s"
`)
	t.Setenv("SPYTRADR_SERVER_PORT", "4000")
	t.Setenv("SPYTRADR_STORE_DRIVER", "POSTGRES")
	t.Setenv("SPYTRADR_SCHEDULER_TICK", "@every 2m")
	t.Setenv("SPYTRADR_SCHEDULER_RUN_TIMEOUT", "15s")
	t.Setenv("SPYTRADR_SCHEDULER_MAX_CONCURRENT_RUNS", "3")
	t.Setenv("SPYTRADR_DATABASE_MIGRATE", "false")
	t.Setenv("SPYTRADR_LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "@every 2m", cfg.Scheduler.Tick)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.RunTimeout)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrentRuns)
	assert.False(t, cfg.Database.Migrate)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"SPYTRADR_SERVER_PORT":           "eighty",
		"SPYTRADR_SCHEDULER_ENABLED":     "sometimes",
		"SPYTRADR_SCHEDULER_RUN_TIMEOUT": "5 minutes",
		"SPYTRADR_REDIS_LOCK_TTL":        "soon",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"port":          func(c *Config) { c.Server.Port = 0 },
		"driver":        func(c *Config) { c.Store.Driver = "sqlite" },
		"postgres dsn":  func(c *Config) { c.Store.Driver = "postgres"; c.Database.DSN = "" },
		"jwt secret":    func(c *Config) { c.Auth.JWTSecret = "" },
		"tick":          func(c *Config) { c.Scheduler.Tick = "" },
		"run timeout":   func(c *Config) { c.Scheduler.RunTimeout = 0 },
		"concurrency":   func(c *Config) { c.Scheduler.MaxConcurrentRuns = 0 },
		"failure limit": func(c *Config) { c.Scheduler.MaxConsecutiveFailures = -1 },
	}
	require.NoError(t, defaults().Validate())
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaults()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := defaults()
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.Tick = ""
	assert.NoError(t, cfg.Validate(), "tick is only needed by an enabled scheduler")
}
