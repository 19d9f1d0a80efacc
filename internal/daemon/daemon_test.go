package daemon

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/pkg/memory"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dataDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.DBPath = filepath.Join(dataDir, "memories.db")
	cfg.Embedding = config.EmbeddingConfig{Provider: "mock", Dimension: 64}
	cfg.Logging.File = filepath.Join(dataDir, "mnemo.log")
	cfg.Logging.Pretty = false
	return cfg
}

func TestDaemon_StartStop(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())

	record, err := d.Service().StoreMemory(context.Background(), "daemon smoke test", []string{"smoke"}, "note", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, record.ContentHash)

	require.NoError(t, d.Stop(context.Background()))
}

func TestDaemon_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ranking.SimilarityWeight = 0.9 // weights no longer sum to 1

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestDaemon_DropWatcherIngestion(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.WatchDir = filepath.Join(cfg.DataDir, "drop")

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	content := "Note dropped into the watched directory"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Ingest.WatchDir, "note.txt"), []byte(content), 0o644))

	assert.Eventually(t, func() bool {
		_, err := d.Service().Get(context.Background(), memory.ContentHash(content))
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDaemon_MetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:29920"

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + cfg.Metrics.Addr + "/healthz")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get("http://" + cfg.Metrics.Addr + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestBuildEmbedder(t *testing.T) {
	mock := BuildEmbedder(config.EmbeddingConfig{Provider: "mock", Dimension: 32})
	assert.Equal(t, 32, mock.Dimension())

	openai := BuildEmbedder(config.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", APIKey: "sk-test", Dimension: 1536})
	assert.Equal(t, 1536, openai.Dimension())
}
