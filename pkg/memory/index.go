package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync/atomic"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/rs/zerolog"
)

// SearchHit is a vector index match.
type SearchHit struct {
	ContentHash string
	Similarity  float64
}

// VectorIndex maintains a sqlite-vec virtual table of record embeddings.
// The index is derived state: it can always be rebuilt from the memories
// table, and a corrupt or missing index never blocks the store itself.
type VectorIndex struct {
	db        *sql.DB
	logger    zerolog.Logger
	dimension int
	ready     atomic.Bool
}

// NewVectorIndex opens or creates the vector table. A corrupt table is
// dropped and recreated; the caller is expected to Rebuild afterwards
// (Ready reports false until then).
func NewVectorIndex(db *sql.DB, dimension int, logger zerolog.Logger) (*VectorIndex, error) {
	if dimension < 1 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}

	idx := &VectorIndex{
		db:        db,
		logger:    logger,
		dimension: dimension,
	}

	if err := idx.ensureTable(); err != nil {
		return nil, err
	}

	return idx, nil
}

func (idx *VectorIndex) ensureTable() error {
	create := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
			content_hash TEXT PRIMARY KEY,
			embedding float[%d]
		)`, idx.dimension)

	if _, err := idx.db.Exec(create); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	// Probe the table. A crash mid-write can leave the virtual table
	// unreadable; recreate it and leave ready unset so the owner rebuilds.
	var count int
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM memory_vectors").Scan(&count); err != nil {
		idx.logger.Warn().Err(err).Msg("Vector table unreadable, recreating")
		if _, dropErr := idx.db.Exec("DROP TABLE IF EXISTS memory_vectors"); dropErr != nil {
			return fmt.Errorf("failed to drop corrupt vector table: %w", dropErr)
		}
		if _, err := idx.db.Exec(create); err != nil {
			return fmt.Errorf("failed to recreate vector table: %w", err)
		}
		return nil
	}

	idx.ready.Store(true)
	return nil
}

// Dimension returns the embedding dimension the index was created with.
func (idx *VectorIndex) Dimension() int {
	return idx.dimension
}

// Ready reports whether the index can serve searches. It is false while a
// rebuild is in progress.
func (idx *VectorIndex) Ready() bool {
	return idx.ready.Load()
}

// Upsert adds or replaces the embedding for a content hash.
func (idx *VectorIndex) Upsert(ctx context.Context, contentHash string, embedding []float32) error {
	if len(embedding) != idx.dimension {
		return fmt.Errorf("embedding dimension %d does not match index dimension %d", len(embedding), idx.dimension)
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// vec0 tables reject INSERT OR REPLACE; delete first.
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_vectors WHERE content_hash = ?", contentHash); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memory_vectors (content_hash, embedding) VALUES (?, ?)",
		contentHash, blob); err != nil {
		return err
	}

	return tx.Commit()
}

// Remove drops the embedding for a content hash. Removing an absent hash
// is a no-op.
func (idx *VectorIndex) Remove(ctx context.Context, contentHash string) error {
	_, err := idx.db.ExecContext(ctx, "DELETE FROM memory_vectors WHERE content_hash = ?", contentHash)
	return err
}

// Search returns up to k hashes by cosine similarity to the query vector,
// descending. Ties break on content hash so results are deterministic.
func (idx *VectorIndex) Search(ctx context.Context, query []float32, k int) ([]SearchHit, error) {
	if !idx.ready.Load() {
		return nil, ErrIndexNotReady
	}
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), idx.dimension)
	}
	if k < 1 {
		return nil, nil
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT content_hash, vec_distance_cosine(embedding, ?) AS distance
		FROM memory_vectors
		ORDER BY distance ASC
		LIMIT ?`, blob, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		var distance float64
		if err := rows.Scan(&hit.ContentHash, &distance); err != nil {
			return nil, err
		}
		hit.Similarity = 1 - distance
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ContentHash < hits[j].ContentHash
	})

	return hits, nil
}

// Rebuild repopulates the index from the memories table. Searches return
// ErrIndexNotReady for the duration; the store stays fully writable.
func (idx *VectorIndex) Rebuild(ctx context.Context) error {
	idx.ready.Store(false)

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_vectors"); err != nil {
		return fmt.Errorf("failed to clear vector table: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT content_hash, embedding FROM memories WHERE embedding IS NOT NULL")
	if err != nil {
		return err
	}
	defer rows.Close()

	type pending struct {
		hash string
		blob []byte
	}
	var inserts []pending
	for rows.Next() {
		var hash, embeddingJSON string
		if err := rows.Scan(&hash, &embeddingJSON); err != nil {
			return err
		}
		embedding, err := decodeEmbedding(embeddingJSON)
		if err != nil {
			idx.logger.Warn().Err(err).Str("hash", hash).Msg("Skipping unparseable embedding during rebuild")
			continue
		}
		if len(embedding) != idx.dimension {
			idx.logger.Warn().
				Int("got", len(embedding)).
				Int("want", idx.dimension).
				Str("hash", hash).
				Msg("Skipping mismatched embedding during rebuild")
			continue
		}
		blob, err := sqlite_vec.SerializeFloat32(embedding)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		inserts = append(inserts, pending{hash: hash, blob: blob})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, p := range inserts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO memory_vectors (content_hash, embedding) VALUES (?, ?)",
			p.hash, p.blob); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	idx.ready.Store(true)
	idx.logger.Info().Int("vectors", len(inserts)).Msg("Vector index rebuilt")
	return nil
}
