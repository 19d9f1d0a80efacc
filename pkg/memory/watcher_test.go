package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropWatcher_IngestsDroppedFile(t *testing.T) {
	svc, _, cleanup := createTestService(t)
	defer cleanup()

	dir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	watcher, err := NewDropWatcher(dir, svc, logger)
	require.NoError(t, err)
	defer watcher.Stop()

	content := "Dropped note about deployment runbooks and rollback steps"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runbook.md"), []byte(content), 0o644))

	expectedHash := ContentHash(content)
	assert.Eventually(t, func() bool {
		record, err := svc.Get(context.Background(), expectedHash)
		return err == nil && record.HasTag("file:runbook.md")
	}, 5*time.Second, 50*time.Millisecond, "dropped file should be ingested")

	record, err := svc.Get(context.Background(), expectedHash)
	require.NoError(t, err)
	assert.Equal(t, MemoryTypeDocument, record.MemoryType)
	assert.Equal(t, "runbook.md", record.Metadata["source_file"])
	assert.True(t, record.HasTag("ingested"))
}

func TestDropWatcher_IgnoresOtherExtensions(t *testing.T) {
	svc, _, cleanup := createTestService(t)
	defer cleanup()

	dir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	watcher, err := NewDropWatcher(dir, svc, logger)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte("not text"), 0o644))

	time.Sleep(time.Second)
	page, err := svc.List(context.Background(), 1, 10, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestDropWatcher_MissingDirectory(t *testing.T) {
	svc, _, cleanup := createTestService(t)
	defer cleanup()

	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	_, err := NewDropWatcher(filepath.Join(t.TempDir(), "missing"), svc, logger)
	assert.Error(t, err)
}
