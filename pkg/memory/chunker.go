package memory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/mnemo/internal/metrics"
)

// MemoryTypeDocument marks chunk records produced by document ingestion.
const MemoryTypeDocument = "document"

// Chunker splits documents into overlapping chunks sized for embedding.
type Chunker struct {
	maxChars int
	overlap  int
}

// NewChunker creates a chunker. Sizes are in runes, not bytes, so
// multi-byte text never splits mid-character.
func NewChunker(maxChars, overlap int) (*Chunker, error) {
	if maxChars < 1 {
		return nil, fmt.Errorf("max chunk size must be positive, got %d", maxChars)
	}
	if overlap < 0 || overlap >= maxChars {
		return nil, fmt.Errorf("overlap %d must be in [0, %d)", overlap, maxChars)
	}
	return &Chunker{maxChars: maxChars, overlap: overlap}, nil
}

// Split returns the document as overlapping chunks. Each chunk after the
// first starts overlap runes before the previous chunk's end, so a sentence
// cut at a boundary appears whole in the next chunk. Documents at or under
// the chunk size come back as a single chunk.
func (c *Chunker) Split(document string) []string {
	runes := []rune(document)
	if len(runes) <= c.maxChars {
		return []string{document}
	}

	n := (len(runes) + c.maxChars - 1) / c.maxChars
	chunks := make([]string, 0, n)
	for i := 0; i < n; i++ {
		start := i*c.maxChars - c.overlap
		if start < 0 {
			start = 0
		}
		end := (i + 1) * c.maxChars
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// IngestResult reports what a document ingestion produced.
type IngestResult struct {
	DocumentHash string   `json:"document_hash"`
	ChunkHashes  []string `json:"chunk_hashes"`
	ChunksNew    int      `json:"chunks_new"`
	ChunksDedup  int      `json:"chunks_dedup"`
}

// Ingestor stores documents as chunk records linked to a parent hash.
type Ingestor struct {
	store   *Store
	chunker *Chunker
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewIngestor creates a document ingestor over the given store.
func NewIngestor(store *Store, chunker *Chunker, logger zerolog.Logger, m *metrics.Metrics) *Ingestor {
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Ingestor{store: store, chunker: chunker, logger: logger, metrics: m}
}

// IngestDocument chunks the document and stores each chunk as its own
// record carrying the parent document hash and chunk index in metadata.
// Chunks identical to already-stored content deduplicate like any other
// put. Re-ingesting the same document is therefore idempotent.
func (ing *Ingestor) IngestDocument(ctx context.Context, document string, tags []string, sourceMetadata map[string]interface{}) (*IngestResult, error) {
	normalized := NormalizeContent(document)
	if normalized == "" {
		return nil, fmt.Errorf("document is empty: %w", ErrInvalidInput)
	}

	documentHash := ContentHash(normalized)
	chunks := ing.chunker.Split(normalized)

	result := &IngestResult{
		DocumentHash: documentHash,
		ChunkHashes:  make([]string, 0, len(chunks)),
	}

	for i, chunk := range chunks {
		// Overlap slicing can produce chunks that are pure whitespace;
		// those carry no content and are dropped, not stored.
		normalizedChunk := NormalizeContent(chunk)
		if normalizedChunk == "" {
			continue
		}

		metadata := make(map[string]interface{}, len(sourceMetadata)+2)
		for k, v := range sourceMetadata {
			// Provenance keys are owned by ingestion.
			if k == MetadataKeyParentDocumentHash || k == MetadataKeyChunkIndex {
				continue
			}
			metadata[k] = v
		}
		metadata[MetadataKeyParentDocumentHash] = documentHash
		metadata[MetadataKeyChunkIndex] = i

		before, err := ing.store.Get(ctx, ContentHash(normalizedChunk))
		existed := err == nil

		record, err := ing.store.Put(ctx, chunk, tags, MemoryTypeDocument, metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to store chunk %d: %w", i, err)
		}

		result.ChunkHashes = append(result.ChunkHashes, record.ContentHash)
		if existed && before != nil {
			result.ChunksDedup++
		} else {
			result.ChunksNew++
			ing.metrics.ChunksCreatedTotal.Inc()
		}
	}

	ing.metrics.DocumentsIngestedTotal.Inc()
	ing.logger.Info().
		Str("document_hash", documentHash).
		Int("chunks", len(chunks)).
		Int("new", result.ChunksNew).
		Int("deduplicated", result.ChunksDedup).
		Msg("Document ingested")

	return result, nil
}
