package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := loadConfig("", "")

	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, int64(-1), cfg.Coordinator.EndTime)
}

func TestLoadConfig_YAMLOverridesDefaults(t *testing.T) {
	// GIVEN a config file setting a few fields in each section
	path := writeFile(t, "distsim.yaml", `
log:
  level: debug
  format: json
coordinator:
  listen: ":9000"
  workers: 3
  heartbeat_interval: 250ms
  end_time: 100
  netlist:
    yaml: net.yaml
worker:
  idle_timeout: 5s
snapshot:
  redis_url: redis://localhost:6379/0
`)

	// WHEN it is loaded
	cfg, err := loadConfig(path, "")

	// THEN set fields change and the rest keep their defaults
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9000", cfg.Coordinator.Listen)
	assert.Equal(t, 3, cfg.Coordinator.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.HeartbeatInterval)
	assert.Equal(t, int64(100), cfg.Coordinator.EndTime)
	assert.Equal(t, "net.yaml", cfg.Coordinator.Netlist.YAML)
	assert.Equal(t, 5*time.Second, cfg.Worker.IdleTimeout)
	assert.Equal(t, "localhost:7777", cfg.Worker.Coordinator)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Snapshot.RedisURL)
	assert.Equal(t, 24*time.Hour, cfg.Snapshot.TTL)
}

func TestLoadConfig_UnknownFieldIsRejected(t *testing.T) {
	// GIVEN a typo in a key
	path := writeFile(t, "distsim.yaml", "coordinator:\n  listn: \":9000\"\n")

	_, err := loadConfig(path, "")

	// THEN strict parsing refuses it
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listn")
}

func TestLoadConfig_EmptyFileKeepsDefaults(t *testing.T) {
	path := writeFile(t, "distsim.yaml", "")

	cfg, err := loadConfig(path, "")

	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfig_EnvironmentOverridesFile(t *testing.T) {
	// GIVEN a file and an environment variable for the same field
	path := writeFile(t, "distsim.yaml", "worker:\n  coordinator: file:1\n")
	t.Setenv("DISTSIM_WORKER_COORDINATOR", "env:2")
	t.Setenv("DISTSIM_COORDINATOR_WORKERS", "4")
	t.Setenv("DISTSIM_WORKER_IDLE_TIMEOUT", "750ms")

	cfg, err := loadConfig(path, "")

	// THEN the environment wins
	require.NoError(t, err)
	assert.Equal(t, "env:2", cfg.Worker.Coordinator)
	assert.Equal(t, 4, cfg.Coordinator.Workers)
	assert.Equal(t, 750*time.Millisecond, cfg.Worker.IdleTimeout)
}

func TestLoadConfig_BadEnvironmentValue(t *testing.T) {
	t.Setenv("DISTSIM_COORDINATOR_WORKERS", "many")

	_, err := loadConfig("", "")

	assert.Error(t, err)
}

func TestLoadConfig_DotenvFile(t *testing.T) {
	// GIVEN a dotenv file and a variable already present in the environment
	const fromFile = "DISTSIM_SNAPSHOT_REDIS_URL"
	t.Cleanup(func() { _ = os.Unsetenv(fromFile) })
	t.Setenv("DISTSIM_LOG_LEVEL", "warn")
	env := writeFile(t, ".env", fromFile+"=redis://cache:6379/1\nDISTSIM_LOG_LEVEL=trace\n")

	cfg, err := loadConfig("", env)

	// THEN the file fills the gap but does not override the environment
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/1", cfg.Snapshot.RedisURL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_MissingDotenvIsIgnored(t *testing.T) {
	_, err := loadConfig("", filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestApplyFlags_OnlyChangedFlagsOverride(t *testing.T) {
	// GIVEN a config from file and a command line that sets only --workers
	cfg := defaultConfig()
	cfg.Coordinator.Listen = ":9000"
	require.NoError(t, coordinatorCmd.ParseFlags([]string{"--workers", "7"}))
	t.Cleanup(func() {
		require.NoError(t, coordinatorCmd.Flags().Set("workers", "1"))
		coordinatorCmd.Flags().Lookup("workers").Changed = false
	})

	// WHEN flags are applied
	applyFlags(coordinatorCmd, &cfg)

	// THEN --workers wins and the untouched --listen default does not clobber the file
	assert.Equal(t, 7, cfg.Coordinator.Workers)
	assert.Equal(t, ":9000", cfg.Coordinator.Listen)
}
