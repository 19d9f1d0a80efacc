package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestService(t *testing.T) (*Service, *MockEmbeddingProvider, func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "memories.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	embedder := NewMockEmbeddingProvider(256)

	svc, err := New(Config{
		DBPath:              dbPath,
		Embedder:            embedder,
		Logger:              logger,
		MaxChunkChars:       100,
		OverlapChars:        20,
		SimilarityThreshold: 0.1,
		SyncEnabled:         true,
	})
	require.NoError(t, err)

	return svc, embedder, func() { svc.Close() }
}

func TestService_StoreAndRetrieveScenario(t *testing.T) {
	svc, _, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	auth, err := svc.StoreMemory(ctx, "Implemented JWT authentication token handling", []string{"auth", "security"}, "note", nil)
	require.NoError(t, err)

	_, err = svc.StoreMemory(ctx, "Added database connection pooling", []string{"database"}, "note", nil)
	require.NoError(t, err)

	// Tag search: AND on {auth} matches only the first record.
	byTag, err := svc.SearchByTag(ctx, []string{"auth"}, TagMatchAll, 1, 10)
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, auth.ContentHash, byTag[0].ContentHash)

	// Semantic retrieval ranks the auth record first.
	results, err := svc.Retrieve(ctx, "authentication token handling", RetrieveOptions{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, auth.ContentHash, results[0].Record.ContentHash)

	// Time recall sees both.
	recalled, err := svc.Recall(ctx, "last 3 days", 10)
	require.NoError(t, err)
	assert.Len(t, recalled, 2)
}

func TestService_RetrieveEmptyQuery(t *testing.T) {
	svc, _, cleanup := createTestService(t)
	defer cleanup()

	_, err := svc.Retrieve(context.Background(), "   ", RetrieveOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_RetrieveEmbedderDown(t *testing.T) {
	svc, embedder, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.StoreMemory(ctx, "some stored content", nil, "note", nil)
	require.NoError(t, err)

	embedder.SetFailing(true)
	_, err = svc.Retrieve(ctx, "some query", RetrieveOptions{})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestService_SearchSimilar(t *testing.T) {
	svc, _, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	anchor, err := svc.StoreMemory(ctx, "kubernetes cluster deployment guide", []string{"infra"}, "note", nil)
	require.NoError(t, err)
	near, err := svc.StoreMemory(ctx, "kubernetes cluster upgrade guide", []string{"infra"}, "note", nil)
	require.NoError(t, err)
	_, err = svc.StoreMemory(ctx, "birthday cake recipe", []string{"cooking"}, "note", nil)
	require.NoError(t, err)

	results, err := svc.SearchSimilar(ctx, anchor.ContentHash, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, near.ContentHash, results[0].Record.ContentHash)
	for _, r := range results {
		assert.NotEqual(t, anchor.ContentHash, r.Record.ContentHash, "anchor excluded from its own neighbors")
	}
}

func TestService_SearchSimilarDegradedAnchor(t *testing.T) {
	svc, embedder, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	embedder.SetFailing(true)
	degraded, err := svc.StoreMemory(ctx, "degraded anchor", nil, "note", nil)
	require.NoError(t, err)
	embedder.SetFailing(false)

	_, err = svc.SearchSimilar(ctx, degraded.ContentHash, 5)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestService_ListPagination(t *testing.T) {
	svc, _, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		_, err := svc.StoreMemory(ctx, c, nil, "note", nil)
		require.NoError(t, err)
	}

	page, err := svc.List(ctx, 1, 2, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)

	page, err = svc.List(ctx, 2, 2, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.False(t, page.HasMore)
}

func TestService_IngestDocument(t *testing.T) {
	svc, _, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	// 100-char chunks with 20 overlap: 250 words of 3 chars + space.
	document := strings.TrimSpace(strings.Repeat("doc ", 250))

	result, err := svc.IngestDocument(ctx, document, []string{"manual"}, map[string]interface{}{"source_file": "manual.md"})
	require.NoError(t, err)
	assert.Greater(t, len(result.ChunkHashes), 1)
	assert.Equal(t, len(result.ChunkHashes), result.ChunksNew+result.ChunksDedup)

	first, err := svc.Get(ctx, result.ChunkHashes[0])
	require.NoError(t, err)
	assert.Equal(t, MemoryTypeDocument, first.MemoryType)
	assert.True(t, first.IsChunk())
	assert.Equal(t, result.DocumentHash, first.Metadata[MetadataKeyParentDocumentHash])
	assert.EqualValues(t, 0, first.Metadata[MetadataKeyChunkIndex])
	assert.True(t, first.HasTag("manual"))

	// Re-ingesting is idempotent: every chunk deduplicates.
	again, err := svc.IngestDocument(ctx, document, []string{"manual"}, nil)
	require.NoError(t, err)
	assert.Equal(t, result.DocumentHash, again.DocumentHash)
	assert.Zero(t, again.ChunksNew)
	assert.Equal(t, len(result.ChunkHashes), again.ChunksDedup)
}

func TestService_Health(t *testing.T) {
	svc, embedder, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.StoreMemory(ctx, "healthy record", []string{"a", "b"}, "note", nil)
	require.NoError(t, err)

	embedder.SetFailing(true)
	_, err = svc.StoreMemory(ctx, "degraded record", []string{"a"}, "note", nil)
	require.NoError(t, err)
	embedder.SetFailing(false)

	health, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, health.RecordCount)
	assert.Equal(t, 2, health.UniqueTags)
	assert.Equal(t, 1, health.EmbeddingFailureCount)
	assert.True(t, health.IndexReady)
	assert.Equal(t, 2, health.ByType["note"])
}

func TestService_DeleteAndGet(t *testing.T) {
	svc, _, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	record, err := svc.StoreMemory(ctx, "short lived", nil, "note", nil)
	require.NoError(t, err)

	deleted, err := svc.Delete(ctx, record.ContentHash)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = svc.Get(ctx, record.ContentHash)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = svc.Delete(ctx, record.ContentHash)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestService_HostnameTagging(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memories.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	svc, err := New(Config{
		DBPath:      dbPath,
		Embedder:    NewMockEmbeddingProvider(64),
		Logger:      logger,
		TagHostname: true,
	})
	require.NoError(t, err)
	defer svc.Close()

	hostname, err := os.Hostname()
	require.NoError(t, err)

	record, err := svc.StoreMemory(context.Background(), "tagged with origin", []string{"note"}, "note", nil)
	require.NoError(t, err)
	assert.True(t, record.HasTag(SourceTagPrefix+hostname))
}
