package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 6400, cfg.Port)
	assert.Equal(t, "127.0.0.1:6400", cfg.Addr())
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 7500\ncall_timeout: 3s\nrate_limit: 100\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7500, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.CallTimeout.Std())
	assert.Equal(t, 100.0, cfg.RateLimit)
	// Untouched fields keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 16<<20, cfg.MaxFrameSize)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 99999\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("port: [\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}
