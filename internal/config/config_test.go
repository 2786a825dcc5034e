package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/pipeline-telemetry/internal/pipeline"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080/ws", cfg.Endpoint)
	assert.Equal(t, pipeline.DefaultStageOrder(), cfg.StageOrder)
	assert.Equal(t, 1000, cfg.Backoff.BaseDelayMs)
	assert.Equal(t, 5, cfg.Backoff.MaxAttempts)
	assert.Equal(t, 3600, cfg.RetentionSec)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
endpoint: wss://dashboard.example.com/events
backoff:
  base_delay_ms: 250
  max_delay_ms: 8000
  max_attempts: 10
retention_sec: 600
avg_stage_duration_sec: 45
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://dashboard.example.com/events", cfg.Endpoint)
	assert.Equal(t, 250, cfg.Backoff.BaseDelayMs)
	assert.Equal(t, 10, cfg.Backoff.MaxAttempts)
	assert.Equal(t, 600, cfg.RetentionSec)
	assert.Equal(t, 45, cfg.AvgStageDurationSec)
	// Unset fields keep defaults.
	assert.Equal(t, pipeline.DefaultStageOrder(), cfg.StageOrder)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "endpoint: ws://from-file:1234/ws\n")
	t.Setenv(EnvEndpoint, "ws://from-env:5678/ws")
	t.Setenv(EnvMaxAttempts, "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://from-env:5678/ws", cfg.Endpoint)
	assert.Equal(t, 3, cfg.Backoff.MaxAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad scheme", "endpoint: http://example.com/ws\n"},
		{"zero base delay", "backoff:\n  base_delay_ms: 0\n"},
		{"max below base", "backoff:\n  base_delay_ms: 1000\n  max_delay_ms: 500\n"},
		{"zero attempts", "backoff:\n  base_delay_ms: 100\n  max_delay_ms: 1000\n  max_attempts: 0\n"},
		{"zero retention", "retention_sec: 0\n"},
		{"not yaml", "{{nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Retention(), cfg.AvgStageDuration()*120)

	b := BackoffConfig{BaseDelayMs: 500, MaxDelayMs: 4000}
	assert.Equal(t, "500ms", b.BaseDelay().String())
	assert.Equal(t, "4s", b.MaxDelay().String())
}
