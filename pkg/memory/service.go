package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/mnemo/internal/metrics"
)

// SourceTagPrefix prefixes the machine tag added to stored memories.
const SourceTagPrefix = "source:"

// Config holds memory service configuration.
type Config struct {
	DBPath   string
	Embedder EmbeddingProvider
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics

	MaxChunkChars int
	OverlapChars  int

	Weights     RankWeights
	DecayLambda float64

	DefaultLimit        int
	SimilarityThreshold float64

	// TagHostname adds a "source:<hostname>" tag to stored memories.
	TagHostname bool
	// SyncEnabled marks new records pending_push instead of local_only.
	SyncEnabled bool
}

// RetrieveOptions tune a semantic retrieval.
type RetrieveOptions struct {
	Limit               int
	SimilarityThreshold float64
	// QueryTags feed the tag-overlap ranking term. They do not filter.
	QueryTags []string
}

// Page is a List result with pagination bookkeeping.
type Page struct {
	Records  []*MemoryRecord `json:"records"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	HasMore  bool            `json:"has_more"`
}

// Health reports store and sync condition.
type Health struct {
	RecordCount           int            `json:"record_count"`
	UniqueTags            int            `json:"unique_tags"`
	ByType                map[string]int `json:"by_type"`
	EmbeddingFailureCount int            `json:"embedding_failure_count"`
	PendingTombstones     int            `json:"pending_tombstones"`
	IndexReady            bool           `json:"index_ready"`
	SyncLagSeconds        float64        `json:"sync_lag_seconds"`
	LastSyncResult        string         `json:"last_sync_result"`
}

// Service is the memory store façade: content-addressed writes, ranked
// semantic retrieval, time-based recall and document ingestion.
type Service struct {
	cfg      Config
	db       *sql.DB
	store    *Store
	index    *VectorIndex
	embedder EmbeddingProvider
	ranker   *Ranker
	ingestor *Ingestor
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	hostname string
}

// New opens the database and assembles the service. If the vector index is
// missing or corrupt, a rebuild starts in the background; searches return
// ErrIndexNotReady until it finishes, writes are unaffected.
func New(cfg Config) (*Service, error) {
	if cfg.Embedder == nil {
		return nil, errors.New("embedding provider is required")
	}
	if cfg.MaxChunkChars < 1 {
		cfg.MaxChunkChars = 2000
	}
	if cfg.OverlapChars < 0 {
		cfg.OverlapChars = 200
	}
	if cfg.Weights == (RankWeights{}) {
		cfg.Weights = DefaultRankWeights
	}
	if cfg.DecayLambda <= 0 {
		cfg.DecayLambda = 0.05
	}
	if cfg.DefaultLimit < 1 {
		cfg.DefaultLimit = 10
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.4
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.NewMetrics()
	}

	db, err := OpenDatabase(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	index, err := NewVectorIndex(db, cfg.Embedder.Dimension(), cfg.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	store, err := NewStore(StoreConfig{
		DB:        db,
		Logger:    cfg.Logger,
		Embedder:  cfg.Embedder,
		Index:     index,
		Metrics:   m,
		LocalOnly: !cfg.SyncEnabled,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	chunker, err := NewChunker(cfg.MaxChunkChars, cfg.OverlapChars)
	if err != nil {
		db.Close()
		return nil, err
	}

	svc := &Service{
		cfg:      cfg,
		db:       db,
		store:    store,
		index:    index,
		embedder: cfg.Embedder,
		ranker:   NewRanker(cfg.Weights, cfg.DecayLambda),
		ingestor: NewIngestor(store, chunker, cfg.Logger, m),
		logger:   cfg.Logger,
		metrics:  m,
	}

	if cfg.TagHostname {
		if hostname, err := os.Hostname(); err == nil {
			svc.hostname = hostname
		}
	}

	if !index.Ready() {
		go func() {
			if err := index.Rebuild(context.Background()); err != nil {
				cfg.Logger.Error().Err(err).Msg("Background index rebuild failed")
			}
		}()
	}

	return svc, nil
}

// Store exposes the underlying content store for the sync engine.
func (s *Service) Store() *Store {
	return s.store
}

// Changes returns the store's change event stream.
func (s *Service) Changes() <-chan ChangeEvent {
	return s.store.Events()
}

// StoreMemory stores content as a memory record. Identical normalized
// content returns the existing record unchanged.
func (s *Service) StoreMemory(ctx context.Context, content string, tags []string, memoryType string, metadata map[string]interface{}) (*MemoryRecord, error) {
	if s.hostname != "" {
		tags = append(append([]string{}, tags...), SourceTagPrefix+s.hostname)
	}
	return s.store.Put(ctx, content, tags, memoryType, metadata)
}

// Retrieve runs a ranked semantic search for the query text.
func (s *Service) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RankedResult, error) {
	if NormalizeContent(query) == "" {
		return nil, fmt.Errorf("query is empty: %w", ErrInvalidInput)
	}
	limit := opts.Limit
	if limit < 1 {
		limit = s.cfg.DefaultLimit
	}
	threshold := opts.SimilarityThreshold
	if threshold <= 0 {
		threshold = s.cfg.SimilarityThreshold
	}

	start := time.Now()
	defer func() {
		s.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	}()
	s.metrics.SearchesTotal.Inc()

	queryVec, err := s.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	// Overfetch so recency and tag terms can promote hits past the raw
	// similarity cutoff of the top-limit window.
	hits, err := s.index.Search(ctx, queryVec, limit*3)
	if err != nil {
		return nil, err
	}

	return s.rankHits(ctx, hits, threshold, opts.QueryTags, limit)
}

// SearchSimilar returns records nearest to an existing record's embedding,
// excluding the record itself.
func (s *Service) SearchSimilar(ctx context.Context, contentHash string, limit int) ([]RankedResult, error) {
	if limit < 1 {
		limit = s.cfg.DefaultLimit
	}

	record, err := s.store.Get(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	if record.Degraded() {
		return nil, fmt.Errorf("record %s has no embedding: %w", contentHash, ErrEmbeddingUnavailable)
	}

	hits, err := s.index.Search(ctx, record.Embedding, limit+1)
	if err != nil {
		return nil, err
	}

	filtered := hits[:0]
	for _, hit := range hits {
		if hit.ContentHash != contentHash {
			filtered = append(filtered, hit)
		}
	}

	return s.rankHits(ctx, filtered, 0, nil, limit)
}

func (s *Service) rankHits(ctx context.Context, hits []SearchHit, threshold float64, queryTags []string, limit int) ([]RankedResult, error) {
	similarities := make(map[string]float64, len(hits))
	records := make([]*MemoryRecord, 0, len(hits))
	for _, hit := range hits {
		if hit.Similarity < threshold {
			continue
		}
		record, err := s.store.Get(ctx, hit.ContentHash)
		if errors.Is(err, ErrNotFound) {
			// Index can briefly lead the store during concurrent deletes.
			continue
		}
		if err != nil {
			return nil, err
		}
		similarities[hit.ContentHash] = hit.Similarity
		records = append(records, record)
	}

	results := s.ranker.Rank(records, similarities, queryTags)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Recall returns records created within the window a relative time phrase
// describes, newest first.
func (s *Service) Recall(ctx context.Context, expression string, limit int) ([]*MemoryRecord, error) {
	if limit < 1 {
		limit = s.cfg.DefaultLimit
	}
	window, err := ParseTimeExpression(expression, time.Now())
	if err != nil {
		return nil, err
	}
	return s.store.ListByTimeRange(ctx, window.Start, window.End, limit)
}

// SearchByTag returns records carrying the given tags.
func (s *Service) SearchByTag(ctx context.Context, tags []string, mode TagMatchMode, page, pageSize int) ([]*MemoryRecord, error) {
	if pageSize < 1 {
		pageSize = s.cfg.DefaultLimit
	}
	return s.store.ListByTag(ctx, tags, mode, page, pageSize)
}

// Get returns the record for a content hash.
func (s *Service) Get(ctx context.Context, contentHash string) (*MemoryRecord, error) {
	return s.store.Get(ctx, contentHash)
}

// Delete removes a record. Returns false when the hash is unknown.
func (s *Service) Delete(ctx context.Context, contentHash string) (bool, error) {
	return s.store.Delete(ctx, contentHash)
}

// UpdateTags replaces a record's tags.
func (s *Service) UpdateTags(ctx context.Context, contentHash string, tags []string) (*MemoryRecord, error) {
	return s.store.UpdateTags(ctx, contentHash, tags)
}

// UpdateMetadata replaces a record's metadata.
func (s *Service) UpdateMetadata(ctx context.Context, contentHash string, metadata map[string]interface{}) (*MemoryRecord, error) {
	return s.store.UpdateMetadata(ctx, contentHash, metadata)
}

// List returns a page of records, newest first.
func (s *Service) List(ctx context.Context, page, pageSize int, filter ListFilter) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = s.cfg.DefaultLimit
	}
	records, total, err := s.store.List(ctx, page, pageSize, filter)
	if err != nil {
		return nil, err
	}
	return &Page{
		Records:  records,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  page*pageSize < total,
	}, nil
}

// IngestDocument chunks and stores a document.
func (s *Service) IngestDocument(ctx context.Context, document string, tags []string, sourceMetadata map[string]interface{}) (*IngestResult, error) {
	if s.hostname != "" {
		tags = append(append([]string{}, tags...), SourceTagPrefix+s.hostname)
	}
	return s.ingestor.IngestDocument(ctx, document, tags, sourceMetadata)
}

// ReembedDegraded retries embeddings for degraded records.
func (s *Service) ReembedDegraded(ctx context.Context, limit int) (int, error) {
	return s.store.ReembedDegraded(ctx, limit)
}

// RebuildIndex rebuilds the vector index from the store.
func (s *Service) RebuildIndex(ctx context.Context) error {
	return s.index.Rebuild(ctx)
}

// Health reports store counts and sync condition.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	health := &Health{
		RecordCount:           stats.TotalRecords,
		UniqueTags:            stats.UniqueTags,
		ByType:                stats.ByType,
		EmbeddingFailureCount: stats.EmbeddingFailures,
		PendingTombstones:     stats.PendingTombstones,
		IndexReady:            s.index.Ready(),
	}

	if lastSyncMs, err := s.store.GetSyncMeta(ctx, SyncMetaLastSyncAtMs); err == nil && lastSyncMs != "" {
		if ms, err := strconv.ParseInt(lastSyncMs, 10, 64); err == nil {
			health.SyncLagSeconds = time.Since(time.UnixMilli(ms)).Seconds()
			s.metrics.SyncLagSeconds.Set(health.SyncLagSeconds)
		}
	}
	if result, err := s.store.GetSyncMeta(ctx, SyncMetaLastSyncResult); err == nil {
		health.LastSyncResult = result
	}

	return health, nil
}

// Close closes the underlying database.
func (s *Service) Close() error {
	return s.db.Close()
}
