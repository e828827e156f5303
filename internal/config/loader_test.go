package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()

		cfg, err := NewLoader(filepath.Join(tmpDir, "nonexistent.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, 0.65, cfg.Memory.SimilarityThreshold)
		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "memory_bank.json"), cfg.Memory.SnapshotPath)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "retina.json")

		testConfig := `{
			"memory": {
				"similarity_threshold": 0.7,
				"cleanup_interval": "5s",
				"on_corrupt": "reset"
			},
			"gateway": {
				"port": 9090
			},
			"data_dir": "` + filepath.ToSlash(tmpDir) + `"
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, 0.7, cfg.Memory.SimilarityThreshold)
		assert.Equal(t, "5s", cfg.Memory.CleanupInterval)
		assert.Equal(t, "reset", cfg.Memory.OnCorrupt)
		assert.Equal(t, 9090, cfg.Gateway.Port)
		// untouched keys keep their defaults
		assert.Equal(t, 0.15, cfg.Memory.DecayThreshold)
		assert.Equal(t, "10s", cfg.Memory.Tau)
		assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
		assert.Equal(t, filepath.Join(tmpDir, "memory_bank.json"), cfg.Memory.SnapshotPath)
		assert.Equal(t, filepath.Join(tmpDir, "detections.db"), cfg.Analytics.DBPath)
	})

	t.Run("environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("RETINA_MEMORY_SIMILARITY_THRESHOLD", "0.8")
		t.Setenv("RETINA_GATEWAY_SHARED_SECRET", "s3cret")
		t.Setenv("RETINA_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, 0.8, cfg.Memory.SimilarityThreshold)
		assert.Equal(t, "s3cret", cfg.Gateway.SharedSecret)
		assert.Equal(t, tmpDir, cfg.DataDir)
	})

	t.Run("invalid json", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "retina.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{invalid"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "retina.json")

	cfg := DefaultConfig()
	cfg.Memory.SimilarityThreshold = 0.72
	cfg.Autosave.Enabled = true
	cfg.DataDir = tmpDir
	cfg.Webhooks = []WebhookConfig{{
		URL:    "https://hooks.example.com/retina",
		Secret: "s3cret",
		Events: []string{"memory.new"},
	}}

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	_, err := os.Stat(configPath)
	require.NoError(t, err)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.72, loaded.Memory.SimilarityThreshold)
	assert.True(t, loaded.Autosave.Enabled)
	assert.Equal(t, "2s", loaded.Memory.CleanupInterval)
	assert.Equal(t, tmpDir, loaded.DataDir)
	require.Len(t, loaded.Webhooks, 1)
	assert.Equal(t, "https://hooks.example.com/retina", loaded.Webhooks[0].URL)
	assert.Equal(t, "s3cret", loaded.Webhooks[0].Secret)
	assert.Equal(t, []string{"memory.new"}, loaded.Webhooks[0].Events)
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		assert.Equal(t, "/custom/path.json", NewLoader("/custom/path.json").GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.Contains(t, path, ".retina")
		assert.Contains(t, path, "retina.json")
	})
}
