package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  name: tracker\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, uint8(199), cfg.Uplink.Port)
	assert.Equal(t, uint8(199), cfg.Downlink.Port)
	assert.Equal(t, uint8(150), cfg.Downlink.InstructionPort)
	assert.Equal(t, uint32(2), cfg.Uplink.JoinFCntThreshold)
	assert.Equal(t, 3, cfg.Solver.MaxAttempts)
	assert.Equal(t, uint32(16), cfg.Session.WindowSize)
	assert.True(t, cfg.Trigger.OnFlush)

	kinds, err := cfg.Trigger.Kinds()
	require.NoError(t, err)
	assert.Equal(t, []rose.Kind{rose.KindGnssScan, rose.KindWifiScan}, kinds)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ApiUrl", "https://solver.example.com")
	t.Setenv("CS_KEY", "abc123")
	t.Setenv("SESSION_TIMEOUT", "90")
	t.Setenv("MAX_SESSIONS", "42")
	t.Setenv("SOLVER_MAX_ATTEMPTS", "5")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeConfig(t, "solver:\n  url: http://ignored\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://solver.example.com", cfg.Solver.URL)
	assert.Equal(t, "abc123", cfg.Solver.Token)
	assert.Equal(t, 90*time.Second, cfg.Session.Timeout)
	assert.Equal(t, 42, cfg.Session.MaxSessions)
	assert.Equal(t, 5, cfg.Solver.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadPrefersPrimaryEnvNames(t *testing.T) {
	t.Setenv("SOLVER_URL", "https://primary.example.com")
	t.Setenv("ApiUrl", "https://legacy.example.com")
	t.Setenv("SESSION_TIMEOUT", "2m")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "https://primary.example.com", cfg.Solver.URL)
	assert.Equal(t, 2*time.Minute, cfg.Session.Timeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "database:\n  driver: oracle\n"},
		{"sqlite without dsn", "database:\n  driver: sqlite\n"},
		{"bad trigger type", "trigger:\n  on_types: [lidar]\n"},
		{"backoff inverted", "solver:\n  initial_backoff: 5s\n  max_backoff: 1s\n"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
