package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendConfig{Mode: ModeHTTP, BaseURL: "http://localhost:8080/v1", Token: "secret"}
	cfg.Grid.BulkThreshold = 5

	path := filepath.Join(t.TempDir(), FileName)
	err := Save(path, cfg)
	require.NoError(t, err)

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ModeMemory, cfg.Backend.Mode)
	assert.Empty(t, cfg.Backend.BaseURL)
	assert.Equal(t, 2, cfg.Grid.PlaceholderBatch)
	assert.Equal(t, 2, cfg.Grid.BulkThreshold)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadKeepsDefaultsForMissingSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n  format: json\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ModeMemory, cfg.Backend.Mode)
	assert.Equal(t, 2, cfg.Grid.PlaceholderBatch)
}

func TestYAMLFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(path, Default()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	contents := string(data)

	assert.Contains(t, contents, "mode: memory")
	assert.Contains(t, contents, "placeholder_batch: 2")
	assert.Contains(t, contents, "format: text")
	assert.NotContains(t, contents, "token")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"http without url", func(c *Config) { c.Backend.Mode = ModeHTTP }, "base_url is required"},
		{"unknown mode", func(c *Config) { c.Backend.Mode = "grpc" }, "unknown backend.mode"},
		{"negative batch", func(c *Config) { c.Grid.PlaceholderBatch = -1 }, "must not be negative"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "unknown log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "unknown log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("BUDGETGRID_TOKEN=from-dotenv\n"), 0o644))
	t.Chdir(dir)
	t.Setenv("BUDGETGRID_BACKEND_URL", "http://api.test/v1")
	t.Setenv("BUDGETGRID_LOG_LEVEL", "debug")
	t.Cleanup(func() { os.Unsetenv("BUDGETGRID_TOKEN") })

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, ModeHTTP, cfg.Backend.Mode)
	assert.Equal(t, "http://api.test/v1", cfg.Backend.BaseURL)
	assert.Equal(t, "from-dotenv", cfg.Backend.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvWithoutDotenv(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"BUDGETGRID_BACKEND_URL", "BUDGETGRID_TOKEN", "BUDGETGRID_LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, Default(), cfg)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log = LogConfig{Level: "info", Format: "json"}

	var buf bytes.Buffer
	log := cfg.Logger(&buf)
	log.Debug("hidden")
	log.Info("shown", "row", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.EqualValues(t, 7, line["row"])
}
