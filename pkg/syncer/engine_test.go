package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mnemo/pkg/memory"
)

func createTestNode(t *testing.T, remote RemoteStore) (*memory.Service, *Engine, func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "memories.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	svc, err := memory.New(memory.Config{
		DBPath:      dbPath,
		Embedder:    memory.NewMockEmbeddingProvider(64),
		Logger:      logger,
		SyncEnabled: true,
	})
	require.NoError(t, err)

	engine, err := New(Config{
		Store:     svc.Store(),
		Remote:    remote,
		Logger:    logger,
		Interval:  time.Hour, // cycles only via SyncNow in tests
		BatchSize: 100,
	})
	require.NoError(t, err)

	return svc, engine, func() { svc.Close() }
}

func TestEngine_PushAndConverge(t *testing.T) {
	remote := NewInMemoryRemote()
	svc, engine, cleanup := createTestNode(t, remote)
	defer cleanup()
	ctx := context.Background()

	first, err := svc.StoreMemory(ctx, "first memory", []string{"a"}, "note", nil)
	require.NoError(t, err)
	second, err := svc.StoreMemory(ctx, "second memory", []string{"b"}, "note", nil)
	require.NoError(t, err)

	require.NoError(t, engine.SyncNow(ctx))

	records := remote.Records()
	assert.Len(t, records, 2)
	assert.Contains(t, records, first.ContentHash)
	assert.Contains(t, records, second.ContentHash)

	got, err := svc.Get(ctx, first.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, memory.SyncStateSynced, got.SyncState)
	assert.Equal(t, remote.Version(first.ContentHash), got.RemoteVersion)

	// The feed replays our own pushes; a second cycle must not flag them.
	require.NoError(t, engine.SyncNow(ctx))
	got, err = svc.Get(ctx, first.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, memory.SyncStateSynced, got.SyncState)
}

func TestEngine_TwoNodesConverge(t *testing.T) {
	remote := NewInMemoryRemote()
	svcA, engineA, cleanupA := createTestNode(t, remote)
	defer cleanupA()
	svcB, engineB, cleanupB := createTestNode(t, remote)
	defer cleanupB()
	ctx := context.Background()

	recA, err := svcA.StoreMemory(ctx, "written on node a", []string{"from-a"}, "note", nil)
	require.NoError(t, err)
	recB, err := svcB.StoreMemory(ctx, "written on node b", []string{"from-b"}, "note", nil)
	require.NoError(t, err)

	require.NoError(t, engineA.SyncNow(ctx))
	require.NoError(t, engineB.SyncNow(ctx))
	require.NoError(t, engineA.SyncNow(ctx)) // picks up B's record

	gotOnA, err := svcA.Get(ctx, recB.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, "written on node b", gotOnA.Content)
	assert.Equal(t, memory.SyncStateSynced, gotOnA.SyncState)

	gotOnB, err := svcB.Get(ctx, recA.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, "written on node a", gotOnB.Content)
}

func TestEngine_PullsRemoteEdit(t *testing.T) {
	remote := NewInMemoryRemote()
	svc, engine, cleanup := createTestNode(t, remote)
	defer cleanup()
	ctx := context.Background()

	record, err := svc.StoreMemory(ctx, "edited elsewhere", []string{"old"}, "note", nil)
	require.NoError(t, err)
	require.NoError(t, engine.SyncNow(ctx))

	require.NoError(t, remote.EditTags(record.ContentHash, []string{"new"}))
	require.NoError(t, engine.SyncNow(ctx))

	got, err := svc.Get(ctx, record.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, got.Tags)
	assert.Equal(t, memory.SyncStateSynced, got.SyncState)
	assert.Equal(t, remote.Version(record.ContentHash), got.RemoteVersion)
}

func TestEngine_ConflictAndKeepLocal(t *testing.T) {
	remote := NewInMemoryRemote()
	svc, engine, cleanup := createTestNode(t, remote)
	defer cleanup()
	ctx := context.Background()

	record, err := svc.StoreMemory(ctx, "contested record", []string{"base"}, "note", nil)
	require.NoError(t, err)
	require.NoError(t, engine.SyncNow(ctx))

	// Divergent edits on both sides.
	require.NoError(t, remote.EditTags(record.ContentHash, []string{"remote-edit"}))
	_, err = svc.UpdateTags(ctx, record.ContentHash, []string{"local-edit"})
	require.NoError(t, err)

	require.NoError(t, engine.SyncNow(ctx))

	got, err := svc.Get(ctx, record.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, memory.SyncStateConflict, got.SyncState)
	assert.Equal(t, []string{"local-edit"}, got.Tags, "conflict keeps the local copy visible")

	require.NoError(t, engine.ResolveKeepLocal(ctx, record.ContentHash))
	require.NoError(t, engine.SyncNow(ctx))

	got, err = svc.Get(ctx, record.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, memory.SyncStateSynced, got.SyncState)
	assert.Equal(t, []string{"local-edit"}, remote.Records()[record.ContentHash].Tags)
}

func TestEngine_ConflictAndAcceptRemote(t *testing.T) {
	remote := NewInMemoryRemote()
	svc, engine, cleanup := createTestNode(t, remote)
	defer cleanup()
	ctx := context.Background()

	record, err := svc.StoreMemory(ctx, "contested record", []string{"base"}, "note", nil)
	require.NoError(t, err)
	require.NoError(t, engine.SyncNow(ctx))

	require.NoError(t, remote.EditTags(record.ContentHash, []string{"remote-edit"}))
	_, err = svc.UpdateTags(ctx, record.ContentHash, []string{"local-edit"})
	require.NoError(t, err)
	require.NoError(t, engine.SyncNow(ctx))

	require.NoError(t, engine.ResolveAcceptRemote(ctx, record.ContentHash))

	got, err := svc.Get(ctx, record.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, memory.SyncStateSynced, got.SyncState)
	assert.Equal(t, []string{"remote-edit"}, got.Tags)
}

func TestEngine_TombstonePropagates(t *testing.T) {
	remote := NewInMemoryRemote()
	svc, engine, cleanup := createTestNode(t, remote)
	defer cleanup()
	ctx := context.Background()

	record, err := svc.StoreMemory(ctx, "to be deleted", nil, "note", nil)
	require.NoError(t, err)
	require.NoError(t, engine.SyncNow(ctx))
	require.Contains(t, remote.Records(), record.ContentHash)

	_, err = svc.Delete(ctx, record.ContentHash)
	require.NoError(t, err)
	require.NoError(t, engine.SyncNow(ctx))

	assert.NotContains(t, remote.Records(), record.ContentHash)

	health, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Zero(t, health.PendingTombstones)
}

func TestEngine_PullsRemoteDelete(t *testing.T) {
	remote := NewInMemoryRemote()
	svc, engine, cleanup := createTestNode(t, remote)
	defer cleanup()
	ctx := context.Background()

	record, err := svc.StoreMemory(ctx, "deleted elsewhere", nil, "note", nil)
	require.NoError(t, err)
	require.NoError(t, engine.SyncNow(ctx))

	_, err = remote.Delete(ctx, record.ContentHash, "")
	require.NoError(t, err)
	require.NoError(t, engine.SyncNow(ctx))

	_, err = svc.Get(ctx, record.ContentHash)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestEngine_OneBatchPerPhase(t *testing.T) {
	remote := NewInMemoryRemote()

	dbPath := filepath.Join(t.TempDir(), "memories.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	svc, err := memory.New(memory.Config{
		DBPath:      dbPath,
		Embedder:    memory.NewMockEmbeddingProvider(64),
		Logger:      logger,
		SyncEnabled: true,
	})
	require.NoError(t, err)
	defer svc.Close()

	engine, err := New(Config{
		Store:     svc.Store(),
		Remote:    remote,
		Logger:    logger,
		Interval:  time.Hour,
		BatchSize: 2,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, c := range []string{"one", "two", "three"} {
		_, err := svc.StoreMemory(ctx, c, nil, "note", nil)
		require.NoError(t, err)
	}

	require.NoError(t, engine.SyncNow(ctx))
	assert.Len(t, remote.Records(), 2, "a cycle pushes at most one batch")

	require.NoError(t, engine.SyncNow(ctx))
	assert.Len(t, remote.Records(), 3)
}

func TestEngine_RemoteOutage(t *testing.T) {
	remote := NewInMemoryRemote()
	svc, engine, cleanup := createTestNode(t, remote)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.StoreMemory(ctx, "stored offline", nil, "note", nil)
	require.NoError(t, err)

	remote.SetFailure(ErrRemoteUnavailable)
	err = engine.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)

	result, err := svc.Store().GetSyncMeta(ctx, memory.SyncMetaLastSyncResult)
	require.NoError(t, err)
	assert.Equal(t, "error", result)

	// Recovery: the record is still pending and syncs on the next cycle.
	remote.SetFailure(nil)
	require.NoError(t, engine.SyncNow(ctx))
	assert.Len(t, remote.Records(), 1)

	result, err = svc.Store().GetSyncMeta(ctx, memory.SyncMetaLastSyncResult)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestEngine_PushOnWrite(t *testing.T) {
	remote := NewInMemoryRemote()

	dbPath := filepath.Join(t.TempDir(), "memories.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	svc, err := memory.New(memory.Config{
		DBPath:      dbPath,
		Embedder:    memory.NewMockEmbeddingProvider(64),
		Logger:      logger,
		SyncEnabled: true,
	})
	require.NoError(t, err)
	defer svc.Close()

	engine, err := New(Config{
		Store:       svc.Store(),
		Remote:      remote,
		Events:      svc.Changes(),
		Logger:      logger,
		Interval:    time.Hour,
		PushOnWrite: true,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	defer engine.Stop()

	record, err := svc.StoreMemory(context.Background(), "pushed immediately", nil, "note", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := remote.Records()[record.ContentHash]
		return ok
	}, 5*time.Second, 20*time.Millisecond, "write should trigger an immediate push")
}

func TestEngine_InvalidConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Remote: NewInMemoryRemote()})
	assert.Error(t, err)
}

func TestEngine_InvalidReembedSchedule(t *testing.T) {
	remote := NewInMemoryRemote()
	svc, _, cleanup := createTestNode(t, remote)
	defer cleanup()

	engine, err := New(Config{
		Store:           svc.Store(),
		Remote:          remote,
		Logger:          zerolog.New(os.Stdout).Level(zerolog.Disabled),
		ReembedSchedule: "not a schedule",
	})
	require.NoError(t, err)

	err = engine.Start()
	assert.Error(t, err)
	engine.Stop()
}

func TestEngine_ResolveAcceptRemoteRequiresConflict(t *testing.T) {
	remote := NewInMemoryRemote()
	svc, engine, cleanup := createTestNode(t, remote)
	defer cleanup()
	ctx := context.Background()

	record, err := svc.StoreMemory(ctx, "clean record", nil, "note", nil)
	require.NoError(t, err)
	require.NoError(t, engine.SyncNow(ctx))

	err = engine.ResolveAcceptRemote(ctx, record.ContentHash)
	assert.Error(t, err)

	err = engine.ResolveAcceptRemote(ctx, "unknown-hash")
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}
