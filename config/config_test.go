package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":8080"
  public_paths: ["/health", "/status"]
control_plane:
  url: http://config.internal
  slug_refresh_interval: 1m
redis:
  addrs: ["redis-1:6379", "redis-2:6379"]
rate_limit:
  default_max_hits: 500
  default_window: 30s
auth:
  hmac_secret: topsecret
logging:
  level: DEBUG
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, []string{"/health", "/status"}, cfg.Server.PublicPaths)
	assert.Equal(t, "http://config.internal", cfg.ControlPlane.URL)
	assert.Equal(t, "1m", cfg.ControlPlane.SlugRefreshInterval)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, int64(500), cfg.RateLimit.DefaultMaxHits)
	assert.Equal(t, "topsecret", cfg.Auth.HMACSecret)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
control_plane:
  url: http://from-file
redis:
  password: from-file
`)

	t.Setenv("TOLLGATE_REDIS__PASSWORD", "from-env")
	t.Setenv("TOLLGATE_LOGGING__LEVEL", "INFO")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://from-file", cfg.ControlPlane.URL)
	assert.Equal(t, "from-env", cfg.Redis.Password)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, Duration("30s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("bogus", time.Minute))
}
