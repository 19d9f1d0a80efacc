package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/internal/daemon"
	"github.com/harun/mnemo/internal/logger"
	"github.com/harun/mnemo/pkg/memory"
)

// openService loads config and opens the memory service for a one-shot
// command. The returned closer must be deferred.
func openService() (*memory.Service, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     logLevel,
		File:      cfg.Logging.File,
		Console:   false,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, nil, err
	}

	svc, err := memory.New(memory.Config{
		DBPath:              cfg.DBPath,
		Embedder:            daemon.BuildEmbedder(cfg.Embedding),
		Logger:              log.GetZerolog(),
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
		return nil, nil, err
	}

	closer := func() {
		svc.Close()
		log.Close()
	}
	return svc, closer, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
