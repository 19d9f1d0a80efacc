package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/internal/logger"
	"github.com/harun/mnemo/internal/metrics"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/syncer"
)

// Daemon assembles the memory service, the sync engine, the drop-directory
// watcher and the metrics endpoint into one long-running process.
type Daemon struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	service    *memory.Service
	engine     *syncer.Engine
	watcher    *memory.DropWatcher
	metricsSrv *http.Server
}

// New builds a daemon from validated configuration.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	m := metrics.NewMetrics()

	service, err := memory.New(memory.Config{
		DBPath:              cfg.DBPath,
		Embedder:            BuildEmbedder(cfg.Embedding),
		Logger:              log.GetZerolog(),
		Metrics:             m,
		MaxChunkChars:       cfg.Chunking.MaxChunkChars,
		OverlapChars:        cfg.Chunking.OverlapChars,
		Weights: memory.RankWeights{
			Similarity: cfg.Ranking.SimilarityWeight,
			Recency:    cfg.Ranking.RecencyWeight,
			TagOverlap: cfg.Ranking.TagWeight,
		},
		DecayLambda:         cfg.Ranking.DecayLambda,
		DefaultLimit:        cfg.Search.DefaultLimit,
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		TagHostname:         cfg.TagHostname,
		SyncEnabled:         cfg.Sync.Enabled,
	})
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to create memory service: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		log:     log,
		metrics: m,
		service: service,
	}

	if cfg.Sync.Enabled {
		engine, err := syncer.New(syncer.Config{
			Store:           service.Store(),
			Remote:          syncer.NewHTTPRemote(cfg.Sync.RemoteURL, cfg.Sync.APIKey),
			Events:          service.Changes(),
			Logger:          log.GetZerolog(),
			Metrics:         m,
			Interval:        time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
			BatchSize:       cfg.Sync.BatchSize,
			MaxBackoff:      time.Duration(cfg.Sync.MaxBackoffSeconds) * time.Second,
			ReembedSchedule: cfg.Maintenance.ReembedSchedule,
			PushOnWrite:     cfg.Sync.PushOnWrite,
		})
		if err != nil {
			d.Stop(context.Background())
			return nil, fmt.Errorf("failed to create sync engine: %w", err)
		}
		d.engine = engine
	}

	return d, nil
}

// BuildEmbedder creates the embedding provider the config names.
func BuildEmbedder(cfg config.EmbeddingConfig) memory.EmbeddingProvider {
	switch cfg.Provider {
	case "mock":
		return memory.NewMockEmbeddingProvider(cfg.Dimension)
	default:
		return memory.NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.Dimension)
	}
}

// Service exposes the memory service, e.g. for CLI commands sharing a
// daemonless code path.
func (d *Daemon) Service() *memory.Service {
	return d.service
}

// Start brings up the sync engine, the drop watcher and the metrics server.
func (d *Daemon) Start() error {
	if d.engine != nil {
		if err := d.engine.Start(); err != nil {
			return err
		}
		d.log.Info().Str("remote", d.cfg.Sync.RemoteURL).Msg("Sync engine started")
	}

	if d.cfg.Ingest.WatchDir != "" {
		if err := os.MkdirAll(d.cfg.Ingest.WatchDir, 0o755); err != nil {
			return fmt.Errorf("failed to create watch directory: %w", err)
		}
		watcher, err := memory.NewDropWatcher(d.cfg.Ingest.WatchDir, d.service, d.log.GetZerolog())
		if err != nil {
			return fmt.Errorf("failed to start drop watcher: %w", err)
		}
		d.watcher = watcher
	}

	if d.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		mux.HandleFunc("/healthz", d.handleHealthz)

		d.metricsSrv = &http.Server{
			Addr:              d.cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		d.log.Info().Str("addr", d.cfg.Metrics.Addr).Msg("Metrics endpoint started")
	}

	d.log.Info().Str("db", d.cfg.DBPath).Msg("Daemon started")
	return nil
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health, err := d.service.Health(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"record_count":%d,"index_ready":%t,"last_sync_result":%q}`+"\n",
		health.RecordCount, health.IndexReady, health.LastSyncResult)
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	d.log.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Stop(ctx)
}

// Stop shuts everything down in reverse start order.
func (d *Daemon) Stop(ctx context.Context) error {
	var firstErr error

	if d.metricsSrv != nil {
		if err := d.metricsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.engine != nil {
		d.engine.Stop()
	}
	if d.service != nil {
		if err := d.service.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.log != nil {
		d.log.Info().Msg("Daemon stopped")
		d.log.Close()
	}

	return firstErr
}
