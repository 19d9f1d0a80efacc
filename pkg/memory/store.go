package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/mnemo/internal/metrics"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// ChangeKind identifies the kind of store mutation behind a change event.
type ChangeKind string

const (
	ChangeKindPut    ChangeKind = "put"
	ChangeKindDelete ChangeKind = "delete"
)

// ChangeEvent is emitted on every successful local mutation. The sync
// engine consumes these to trigger immediate pushes.
type ChangeEvent struct {
	ID          string
	Kind        ChangeKind
	ContentHash string
	At          time.Time
}

// Tombstone marks a local deletion awaiting propagation to the remote store.
type Tombstone struct {
	ContentHash   string
	DeletedAt     time.Time
	RemoteVersion string
}

// TagMatchMode selects how multiple tags combine in a tag search.
type TagMatchMode string

const (
	TagMatchAll TagMatchMode = "AND"
	TagMatchAny TagMatchMode = "OR"
)

// ListFilter narrows List results.
type ListFilter struct {
	Tag        string
	MemoryType string
}

// StoreStats summarizes store contents.
type StoreStats struct {
	TotalRecords      int            `json:"total_records"`
	ByType            map[string]int `json:"by_type"`
	EmbeddingFailures int            `json:"embedding_failures"`
	UniqueTags        int            `json:"unique_tags"`
	PendingTombstones int            `json:"pending_tombstones"`
}

// Sync bookkeeping keys in the sync_meta table.
const (
	SyncMetaPullCursor     = "pull_cursor"
	SyncMetaLastSyncAtMs   = "last_sync_at_ms"
	SyncMetaLastSyncResult = "last_sync_result"
)

// Store persists memory records keyed by content hash.
type Store struct {
	db           *sql.DB
	logger       zerolog.Logger
	embedder     EmbeddingProvider
	index        *VectorIndex
	metrics      *metrics.Metrics
	locks        *hashLocks
	events       chan ChangeEvent
	initialState SyncState
}

// StoreConfig holds content store configuration.
type StoreConfig struct {
	DB       *sql.DB
	Logger   zerolog.Logger
	Embedder EmbeddingProvider
	Index    *VectorIndex
	Metrics  *metrics.Metrics
	// LocalOnly marks new records local_only instead of pending_push.
	// Set when no sync engine is attached.
	LocalOnly bool
}

// OpenDatabase opens the sqlite database used by the store and index.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// NewStore creates a content store on an open database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DB == nil {
		return nil, errors.New("database handle is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedding provider is required")
	}

	initialState := SyncStatePendingPush
	if cfg.LocalOnly {
		initialState = SyncStateLocalOnly
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.NewMetrics()
	}

	s := &Store{
		db:           cfg.DB,
		logger:       cfg.Logger,
		embedder:     cfg.Embedder,
		index:        cfg.Index,
		metrics:      m,
		locks:        newHashLocks(),
		events:       make(chan ChangeEvent, 256),
		initialState: initialState,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.refreshRecordGauge(context.Background())

	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			content_hash TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding TEXT,
			tags TEXT NOT NULL,
			memory_type TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			sync_state TEXT NOT NULL,
			remote_version TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_memories_state ON memories(sync_state);
		CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);

		CREATE TABLE IF NOT EXISTS memory_tags (
			tag TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			PRIMARY KEY (tag, content_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_tags_hash ON memory_tags(content_hash);

		CREATE TABLE IF NOT EXISTS tombstones (
			content_hash TEXT PRIMARY KEY,
			deleted_at INTEGER NOT NULL,
			remote_version TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS sync_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Events returns the change event stream consumed by the sync engine.
func (s *Store) Events() <-chan ChangeEvent {
	return s.events
}

// Put stores content as a new memory record, or returns the existing record
// when identical normalized content is already stored. Embedding failure
// does not fail the put; the record is persisted degraded.
func (s *Store) Put(ctx context.Context, content string, tags []string, memoryType string, metadata map[string]interface{}) (*MemoryRecord, error) {
	normalized := NormalizeContent(content)
	if normalized == "" {
		return nil, fmt.Errorf("content is empty: %w", ErrInvalidInput)
	}

	hash := ContentHash(normalized)

	// Writes to the same hash are serialized; concurrent identical puts
	// resolve to one insert and one dedup read-back.
	unlock := s.locks.Lock(hash)
	defer unlock()

	if existing, err := s.get(ctx, hash); err == nil {
		s.metrics.PutsTotal.WithLabelValues("deduplicated").Inc()
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	embedding, err := s.embedder.GenerateEmbedding(ctx, normalized)
	if err != nil {
		s.logger.Warn().Err(err).Str("hash", hash).Msg("Embedding failed, storing degraded record")
		s.metrics.EmbeddingFailuresTotal.Inc()
		embedding = nil
	} else if s.index != nil && len(embedding) != s.index.Dimension() {
		s.logger.Warn().
			Int("got", len(embedding)).
			Int("want", s.index.Dimension()).
			Str("hash", hash).
			Msg("Embedding dimension mismatch, storing degraded record")
		s.metrics.EmbeddingFailuresTotal.Inc()
		embedding = nil
	}

	now := time.Now()
	record := &MemoryRecord{
		ContentHash: hash,
		Content:     normalized,
		Embedding:   embedding,
		Tags:        NormalizeTags(tags),
		MemoryType:  memoryType,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		SyncState:   s.initialState,
	}

	if err := s.insertRecord(ctx, record, true); err != nil {
		return nil, err
	}

	if embedding != nil && s.index != nil {
		if err := s.index.Upsert(ctx, hash, embedding); err != nil {
			s.logger.Warn().Err(err).Str("hash", hash).Msg("Failed to index embedding")
		}
	}

	outcome := "created"
	if record.Degraded() {
		outcome = "degraded"
	}
	s.metrics.PutsTotal.WithLabelValues(outcome).Inc()
	s.refreshRecordGauge(ctx)
	s.emit(ChangeKindPut, hash)

	return record, nil
}

// insertRecord writes a record and its tag rows. When clearTombstone is set,
// a pending tombstone for the same hash is dropped (re-store revives).
func (s *Store) insertRecord(ctx context.Context, record *MemoryRecord, clearTombstone bool) error {
	embeddingJSON, err := encodeEmbedding(record.Embedding)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(record.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	metadataJSON, err := encodeMetadata(record.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories
			(content_hash, content, embedding, tags, memory_type, metadata, created_at, updated_at, sync_state, remote_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ContentHash, record.Content, embeddingJSON, string(tagsJSON), record.MemoryType,
		metadataJSON, record.CreatedAt.UnixMilli(), record.UpdatedAt.UnixMilli(),
		string(record.SyncState), record.RemoteVersion,
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_tags WHERE content_hash = ?", record.ContentHash); err != nil {
		return err
	}
	for _, tag := range record.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO memory_tags (tag, content_hash) VALUES (?, ?)",
			tag, record.ContentHash); err != nil {
			return err
		}
	}

	if clearTombstone {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tombstones WHERE content_hash = ?", record.ContentHash); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get returns the record for the given content hash.
func (s *Store) Get(ctx context.Context, contentHash string) (*MemoryRecord, error) {
	return s.get(ctx, contentHash)
}

func (s *Store) get(ctx context.Context, contentHash string) (*MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT content_hash, content, embedding, tags, memory_type, metadata,
		       created_at, updated_at, sync_state, remote_version
		FROM memories WHERE content_hash = ?`, contentHash)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", contentHash, ErrNotFound)
	}
	return record, err
}

// Delete removes a record and leaves a tombstone for the sync engine.
// Returns false when no record exists for the hash.
func (s *Store) Delete(ctx context.Context, contentHash string) (bool, error) {
	unlock := s.locks.Lock(contentHash)
	defer unlock()

	record, err := s.get(ctx, contentHash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE content_hash = ?", contentHash); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_tags WHERE content_hash = ?", contentHash); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO tombstones (content_hash, deleted_at, remote_version)
		VALUES (?, ?, ?)`,
		contentHash, time.Now().UnixMilli(), record.RemoteVersion); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	if s.index != nil {
		if err := s.index.Remove(ctx, contentHash); err != nil {
			s.logger.Warn().Err(err).Str("hash", contentHash).Msg("Failed to remove embedding from index")
		}
	}

	s.metrics.DeletesTotal.Inc()
	s.refreshRecordGauge(ctx)
	s.emit(ChangeKindDelete, contentHash)

	return true, nil
}

// UpdateTags replaces a record's tags, bumps updated_at and schedules the
// record for re-push if it had already synced.
func (s *Store) UpdateTags(ctx context.Context, contentHash string, tags []string) (*MemoryRecord, error) {
	return s.updateMutable(ctx, contentHash, func(record *MemoryRecord) {
		record.Tags = NormalizeTags(tags)
	})
}

// UpdateMetadata replaces a record's metadata, bumps updated_at and
// schedules the record for re-push if it had already synced.
func (s *Store) UpdateMetadata(ctx context.Context, contentHash string, metadata map[string]interface{}) (*MemoryRecord, error) {
	return s.updateMutable(ctx, contentHash, func(record *MemoryRecord) {
		record.Metadata = metadata
	})
}

func (s *Store) updateMutable(ctx context.Context, contentHash string, mutate func(*MemoryRecord)) (*MemoryRecord, error) {
	unlock := s.locks.Lock(contentHash)
	defer unlock()

	record, err := s.get(ctx, contentHash)
	if err != nil {
		return nil, err
	}

	mutate(record)
	record.UpdatedAt = time.Now()
	if record.SyncState == SyncStateSynced {
		record.SyncState = SyncStatePendingPush
	}

	if err := s.insertRecord(ctx, record, false); err != nil {
		return nil, err
	}

	s.emit(ChangeKindPut, contentHash)
	return record, nil
}

// ListByTag returns records carrying the given tags, newest first.
// Pagination is deterministic: created_at descending with content_hash as
// the tie-break.
func (s *Store) ListByTag(ctx context.Context, tags []string, mode TagMatchMode, page, pageSize int) ([]*MemoryRecord, error) {
	tags = NormalizeTags(tags)
	if len(tags) == 0 {
		return nil, fmt.Errorf("at least one tag is required: %w", ErrInvalidInput)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	query := `
		SELECT m.content_hash, m.content, m.embedding, m.tags, m.memory_type, m.metadata,
		       m.created_at, m.updated_at, m.sync_state, m.remote_version
		FROM memories m
		JOIN memory_tags t ON t.content_hash = m.content_hash
		WHERE t.tag IN (` + placeholders + `)
		GROUP BY m.content_hash`

	args := make([]interface{}, 0, len(tags)+3)
	for _, tag := range tags {
		args = append(args, tag)
	}
	if mode == TagMatchAll {
		query += " HAVING COUNT(DISTINCT t.tag) = ?"
		args = append(args, len(tags))
	}
	query += `
		ORDER BY m.created_at DESC, m.content_hash ASC
		LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	return s.queryRecords(ctx, query, args...)
}

// List returns a page of records newest first, with an overall total for
// pagination bookkeeping.
func (s *Store) List(ctx context.Context, page, pageSize int, filter ListFilter) ([]*MemoryRecord, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	if filter.Tag != "" {
		where += " AND content_hash IN (SELECT content_hash FROM memory_tags WHERE tag = ?)"
		args = append(args, filter.Tag)
	}
	if filter.MemoryType != "" {
		where += " AND memory_type = ?"
		args = append(args, filter.MemoryType)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT content_hash, content, embedding, tags, memory_type, metadata,
		       created_at, updated_at, sync_state, remote_version
		FROM memories` + where + `
		ORDER BY created_at DESC, content_hash ASC
		LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListByTimeRange returns records created within [start, end], newest first.
func (s *Store) ListByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]*MemoryRecord, error) {
	if limit < 1 {
		limit = 10
	}
	return s.queryRecords(ctx, `
		SELECT content_hash, content, embedding, tags, memory_type, metadata,
		       created_at, updated_at, sync_state, remote_version
		FROM memories
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC, content_hash ASC
		LIMIT ?`,
		start.UnixMilli(), end.UnixMilli(), limit)
}

// Stats summarizes store contents.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{ByType: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&stats.TotalRecords); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE embedding IS NULL").Scan(&stats.EmbeddingFailures); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT tag) FROM memory_tags").Scan(&stats.UniqueTags); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tombstones").Scan(&stats.PendingTombstones); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT memory_type, COUNT(*) FROM memories GROUP BY memory_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var memoryType string
		var count int
		if err := rows.Scan(&memoryType, &count); err != nil {
			return nil, err
		}
		if memoryType == "" {
			memoryType = "untyped"
		}
		stats.ByType[memoryType] = count
	}

	return stats, rows.Err()
}

// PendingPush returns up to limit records awaiting upload, oldest edit first.
func (s *Store) PendingPush(ctx context.Context, limit int) ([]*MemoryRecord, error) {
	return s.queryRecords(ctx, `
		SELECT content_hash, content, embedding, tags, memory_type, metadata,
		       created_at, updated_at, sync_state, remote_version
		FROM memories
		WHERE sync_state = ?
		ORDER BY updated_at ASC, content_hash ASC
		LIMIT ?`,
		string(SyncStatePendingPush), limit)
}

// MarkSynced records a successful push. The state only advances from
// pending_push so an edit racing the push is not silently marked clean.
func (s *Store) MarkSynced(ctx context.Context, contentHash, remoteVersion string) error {
	unlock := s.locks.Lock(contentHash)
	defer unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET sync_state = ?, remote_version = ?
		WHERE content_hash = ? AND sync_state = ?`,
		string(SyncStateSynced), remoteVersion, contentHash, string(SyncStatePendingPush))
	return err
}

// MarkConflict flags a record whose local and remote edits diverged.
func (s *Store) MarkConflict(ctx context.Context, contentHash string) error {
	unlock := s.locks.Lock(contentHash)
	defer unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE memories SET sync_state = ? WHERE content_hash = ?",
		string(SyncStateConflict), contentHash)
	return err
}

// ResolveKeepLocal resolves a conflict by re-queueing the local copy for an
// unconditional push (the remote version check is cleared).
func (s *Store) ResolveKeepLocal(ctx context.Context, contentHash string) error {
	unlock := s.locks.Lock(contentHash)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET sync_state = ?, remote_version = ''
		WHERE content_hash = ?`,
		string(SyncStatePendingPush), contentHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", contentHash, ErrNotFound)
	}
	return nil
}

// ApplyRemote applies a remote-originated record: inserted as synced when
// absent, otherwise the mutable fields are overwritten (remote wins).
// No change event is emitted; sync must not echo its own writes.
func (s *Store) ApplyRemote(ctx context.Context, record *MemoryRecord) error {
	unlock := s.locks.Lock(record.ContentHash)
	defer unlock()

	existing, err := s.get(ctx, record.ContentHash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	record.SyncState = SyncStateSynced
	if existing != nil {
		// Content is immutable by hash; keep the local embedding and
		// creation time, take the remote's mutable fields.
		record.Content = existing.Content
		record.CreatedAt = existing.CreatedAt
		if record.Embedding == nil {
			record.Embedding = existing.Embedding
		}
	}

	if err := s.insertRecord(ctx, record, true); err != nil {
		return err
	}

	if record.Embedding != nil && s.index != nil {
		if err := s.index.Upsert(ctx, record.ContentHash, record.Embedding); err != nil {
			s.logger.Warn().Err(err).Str("hash", record.ContentHash).Msg("Failed to index pulled embedding")
		}
	}

	s.refreshRecordGauge(ctx)
	return nil
}

// ApplyRemoteDelete removes a record deleted on the remote side. No local
// tombstone is created; the delete is already known remotely.
func (s *Store) ApplyRemoteDelete(ctx context.Context, contentHash string) error {
	unlock := s.locks.Lock(contentHash)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE content_hash = ?", contentHash); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_tags WHERE content_hash = ?", contentHash); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tombstones WHERE content_hash = ?", contentHash); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.index != nil {
		if err := s.index.Remove(ctx, contentHash); err != nil {
			s.logger.Warn().Err(err).Str("hash", contentHash).Msg("Failed to remove embedding from index")
		}
	}

	s.refreshRecordGauge(ctx)
	return nil
}

// Tombstones returns up to limit pending tombstones, oldest first.
func (s *Store) Tombstones(ctx context.Context, limit int) ([]Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_hash, deleted_at, remote_version
		FROM tombstones ORDER BY deleted_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tombstones []Tombstone
	for rows.Next() {
		var t Tombstone
		var deletedAtMs int64
		if err := rows.Scan(&t.ContentHash, &deletedAtMs, &t.RemoteVersion); err != nil {
			return nil, err
		}
		t.DeletedAt = time.UnixMilli(deletedAtMs)
		tombstones = append(tombstones, t)
	}
	return tombstones, rows.Err()
}

// RemoveTombstone drops a tombstone once the remote acknowledged the delete.
func (s *Store) RemoveTombstone(ctx context.Context, contentHash string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tombstones WHERE content_hash = ?", contentHash)
	return err
}

// GetSyncMeta reads a sync bookkeeping value. Missing keys return "".
func (s *Store) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetSyncMeta writes a sync bookkeeping value.
func (s *Store) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// ReembedDegraded retries embedding generation for up to limit degraded
// records and returns how many recovered.
func (s *Store) ReembedDegraded(ctx context.Context, limit int) (int, error) {
	records, err := s.queryRecords(ctx, `
		SELECT content_hash, content, embedding, tags, memory_type, metadata,
		       created_at, updated_at, sync_state, remote_version
		FROM memories WHERE embedding IS NULL
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}

		embedding, err := s.embedder.GenerateEmbedding(ctx, record.Content)
		if err != nil {
			s.logger.Debug().Err(err).Str("hash", record.ContentHash).Msg("Re-embedding still failing")
			continue
		}

		unlock := s.locks.Lock(record.ContentHash)
		embeddingJSON, err := encodeEmbedding(embedding)
		if err == nil {
			_, err = s.db.ExecContext(ctx,
				"UPDATE memories SET embedding = ? WHERE content_hash = ? AND embedding IS NULL",
				embeddingJSON, record.ContentHash)
		}
		unlock()
		if err != nil {
			s.logger.Warn().Err(err).Str("hash", record.ContentHash).Msg("Failed to store recovered embedding")
			continue
		}

		if s.index != nil {
			if err := s.index.Upsert(ctx, record.ContentHash, embedding); err != nil {
				s.logger.Warn().Err(err).Str("hash", record.ContentHash).Msg("Failed to index recovered embedding")
				continue
			}
		}
		recovered++
	}

	return recovered, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*MemoryRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) emit(kind ChangeKind, contentHash string) {
	event := ChangeEvent{
		ID:          gonanoid.Must(12),
		Kind:        kind,
		ContentHash: contentHash,
		At:          time.Now(),
	}
	select {
	case s.events <- event:
	default:
		// The sync engine also scans for pending records each cycle, so a
		// dropped event only loses immediacy, not the change itself.
		s.logger.Debug().Str("hash", contentHash).Msg("Change event buffer full, dropping event")
	}
}

func (s *Store) refreshRecordGauge(ctx context.Context) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&total); err == nil {
		s.metrics.RecordsTotal.Set(float64(total))
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*MemoryRecord, error) {
	var record MemoryRecord
	var embeddingJSON sql.NullString
	var tagsJSON, metadataJSON string
	var createdAtMs, updatedAtMs int64
	var syncState string

	err := row.Scan(&record.ContentHash, &record.Content, &embeddingJSON, &tagsJSON,
		&record.MemoryType, &metadataJSON, &createdAtMs, &updatedAtMs, &syncState,
		&record.RemoteVersion)
	if err != nil {
		return nil, err
	}

	if embeddingJSON.Valid {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &record.Embedding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(tagsJSON), &record.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	record.CreatedAt = time.UnixMilli(createdAtMs)
	record.UpdatedAt = time.UnixMilli(updatedAtMs)
	record.SyncState = SyncState(syncState)

	return &record, nil
}

func encodeEmbedding(embedding []float32) (interface{}, error) {
	if embedding == nil {
		return nil, nil
	}
	data, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return string(data), nil
}

func decodeEmbedding(embeddingJSON string) ([]float32, error) {
	var embedding []float32
	if err := json.Unmarshal([]byte(embeddingJSON), &embedding); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, nil
}

func encodeMetadata(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}
