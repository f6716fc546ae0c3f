package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "packetnet.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20210, cfg.Port)
	assert.Equal(t, 2000, cfg.MaxSessions)
	assert.Equal(t, 2, cfg.Backlog)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.MinIdleTimeout)
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	path := writeConfig(t, `
port = 9000
max_sessions = 16
idle_timeout_ms = 30000
stats_path = " /var/lib/packetnet "
log_format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 16, cfg.MaxSessions)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "/var/lib/packetnet", cfg.StatsPath)
	assert.Equal(t, "json", cfg.LogFormat)

	// untouched
	assert.Equal(t, 2, cfg.Backlog)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, time.Second, cfg.SweepInterval)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "prot = 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prot")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"port zero", "port = 0", "port 0"},
		{"port too large", "port = 70000", "port 70000"},
		{"idle below floor", "idle_timeout_ms = 5000", "below min_idle_timeout_ms"},
		{"bad format", `log_format = "xml"`, "log_format"},
		{"zero sweep", "sweep_interval_ms = 0", "sweep_interval_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
