package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Health.Timeout.AsDuration())
	assert.Equal(t, 3, cfg.Loader.MaxAttempts)
	base, max, jitter := cfg.Loader.RetryDelays()
	assert.Equal(t, time.Second, base)
	assert.Equal(t, 8*time.Second, max)
	assert.Equal(t, time.Second, jitter)
	assert.Equal(t, "/api", cfg.Server.BasePath)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
health:
  timeout: 250ms
apps:
  - name: Task Manager
    url: http://localhost:3001
    strategy:
      type: remote-module
      remote_url: http://localhost:3001/remoteEntry.js
      scope: taskManager
      module: ./App
`))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Health.Timeout.AsDuration())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.Len(t, cfg.Apps, 1)
	assert.Equal(t, "taskManager", cfg.Apps[0].Strategy.Scope)
}

func TestValidateRejectsBadSeedStrategy(t *testing.T) {
	_, err := FromYAML([]byte(`
apps:
  - name: Broken
    url: http://localhost:3001
    strategy:
      type: remote-module
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed app Broken")
}

func TestValidateRequiresRedisAddr(t *testing.T) {
	_, err := FromYAML([]byte("liveness:\n  backend: redis\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr")
}

func TestInvalidDuration(t *testing.T) {
	_, err := FromYAML([]byte("health:\n  timeout: soon\n"))
	require.Error(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Liveness.Backend)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fedhost.yml"), []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
}

func TestLoadAppliesOverridesBeforeValidation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte("status:\n  backplane: redis\n"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)

	cfg, err := Load(dir, func(c *Config) { c.Redis.Addr = "127.0.0.1:6379" })
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Status.Backplane)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
}
