package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.json"))
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.Chunking.MaxChunkChars)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.json")

	content := `{
		"data_dir": "` + dir + `",
		"embedding": {"provider": "mock", "dimension": 384},
		"chunking": {"max_chunk_chars": 1000, "overlap_chars": 100},
		"sync": {"enabled": true, "remote_url": "https://memories.example.com", "interval_seconds": 60, "batch_size": 25, "max_backoff_seconds": 600}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Embedding.Provider)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	assert.Equal(t, 1000, cfg.Chunking.MaxChunkChars)
	assert.Equal(t, 100, cfg.Chunking.OverlapChars)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, "https://memories.example.com", cfg.Sync.RemoteURL)
	assert.Equal(t, 25, cfg.Sync.BatchSize)

	// Defaults survive for fields the file does not set
	assert.Equal(t, 10, cfg.Search.DefaultLimit)

	// Derived paths land under the data dir
	assert.Equal(t, filepath.Join(dir, "memories.db"), cfg.DBPath)
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.json")

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimension = 384
	cfg.Chunking.MaxChunkChars = 1500

	loader := NewLoader(path)
	require.NoError(t, loader.Save(cfg))

	reloaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "mock", reloaded.Embedding.Provider)
	assert.Equal(t, 1500, reloaded.Chunking.MaxChunkChars)
}

func TestGetConfigPath(t *testing.T) {
	loader := NewLoader("/tmp/custom.json")
	assert.Equal(t, "/tmp/custom.json", loader.GetConfigPath())

	defaultLoader := NewLoader("")
	assert.Contains(t, defaultLoader.GetConfigPath(), ".mnemo")
}
