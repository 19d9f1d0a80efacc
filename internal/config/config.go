package config

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/robfig/cron/v3"
)

// Config represents the main mnemo configuration
type Config struct {
	// Data directory (database, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database file path
	DBPath string `json:"db_path" mapstructure:"db_path"`

	// Embedding provider
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Document chunking
	Chunking ChunkingConfig `json:"chunking" mapstructure:"chunking"`

	// Relevance ranking
	Ranking RankingConfig `json:"ranking" mapstructure:"ranking"`

	// Semantic search defaults
	Search SearchConfig `json:"search" mapstructure:"search"`

	// Remote synchronization
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Background maintenance
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Document drop-directory ingestion
	Ingest IngestConfig `json:"ingest" mapstructure:"ingest"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// TagHostname stamps stored memories with a source:<hostname> tag
	TagHostname bool `json:"tag_hostname" mapstructure:"tag_hostname"`
}

// EmbeddingConfig holds embedding provider configuration
type EmbeddingConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // openai, mock
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
}

// ChunkingConfig holds document chunking parameters
type ChunkingConfig struct {
	MaxChunkChars int `json:"max_chunk_chars" mapstructure:"max_chunk_chars"`
	OverlapChars  int `json:"overlap_chars" mapstructure:"overlap_chars"`
}

// RankingConfig holds relevance ranking weights
type RankingConfig struct {
	DecayLambda      float64 `json:"decay_lambda" mapstructure:"decay_lambda"` // per day
	SimilarityWeight float64 `json:"similarity_weight" mapstructure:"similarity_weight"`
	RecencyWeight    float64 `json:"recency_weight" mapstructure:"recency_weight"`
	TagWeight        float64 `json:"tag_weight" mapstructure:"tag_weight"`
}

// SearchConfig holds semantic search defaults
type SearchConfig struct {
	DefaultLimit        int     `json:"default_limit" mapstructure:"default_limit"`
	SimilarityThreshold float64 `json:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// SyncConfig holds remote sync configuration
type SyncConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	RemoteURL         string `json:"remote_url" mapstructure:"remote_url"`
	APIKey            string `json:"api_key" mapstructure:"api_key"`
	IntervalSeconds   int    `json:"interval_seconds" mapstructure:"interval_seconds"`
	BatchSize         int    `json:"batch_size" mapstructure:"batch_size"`
	MaxBackoffSeconds int    `json:"max_backoff_seconds" mapstructure:"max_backoff_seconds"`
	PushOnWrite       bool   `json:"push_on_write" mapstructure:"push_on_write"`
}

// MaintenanceConfig holds background maintenance configuration
type MaintenanceConfig struct {
	// ReembedSchedule is a cron expression controlling how often records
	// whose embedding failed are retried. Empty disables the job.
	ReembedSchedule string `json:"reembed_schedule" mapstructure:"reembed_schedule"`
}

// IngestConfig holds drop-directory ingestion configuration
type IngestConfig struct {
	// WatchDir is a directory whose files are automatically chunked and
	// ingested. Empty disables the watcher.
	WatchDir string `json:"watch_dir" mapstructure:"watch_dir"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
		Chunking: ChunkingConfig{
			MaxChunkChars: 2000,
			OverlapChars:  200,
		},
		Ranking: RankingConfig{
			// exp(-0.05*7) ~ 0.70 vs exp(-0.05*30) ~ 0.22: a week-old
			// memory keeps materially more weight than a month-old one.
			DecayLambda:      0.05,
			SimilarityWeight: 0.6,
			RecencyWeight:    0.25,
			TagWeight:        0.15,
		},
		Search: SearchConfig{
			DefaultLimit:        10,
			SimilarityThreshold: 0.4,
		},
		Sync: SyncConfig{
			Enabled:           false,
			IntervalSeconds:   300,
			BatchSize:         100,
			MaxBackoffSeconds: 3600,
			PushOnWrite:       true,
		},
		Maintenance: MaintenanceConfig{
			ReembedSchedule: "*/30 * * * *",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9920",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		TagHostname: false,
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding: api_key is required for provider openai")
		}
		if c.Embedding.Model == "" {
			return fmt.Errorf("embedding: model is required for provider openai")
		}
	case "mock":
		// No credentials needed
	default:
		return fmt.Errorf("embedding: invalid provider %s (must be: openai, mock)", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding: dimension must be positive, got %d", c.Embedding.Dimension)
	}

	if c.Chunking.MaxChunkChars <= 0 {
		return fmt.Errorf("chunking: max_chunk_chars must be positive, got %d", c.Chunking.MaxChunkChars)
	}
	if c.Chunking.OverlapChars < 0 {
		return fmt.Errorf("chunking: overlap_chars cannot be negative, got %d", c.Chunking.OverlapChars)
	}
	if c.Chunking.OverlapChars >= c.Chunking.MaxChunkChars {
		return fmt.Errorf("chunking: overlap_chars (%d) must be smaller than max_chunk_chars (%d)",
			c.Chunking.OverlapChars, c.Chunking.MaxChunkChars)
	}

	if c.Ranking.DecayLambda < 0 {
		return fmt.Errorf("ranking: decay_lambda cannot be negative")
	}
	if c.Ranking.SimilarityWeight < 0 || c.Ranking.RecencyWeight < 0 || c.Ranking.TagWeight < 0 {
		return fmt.Errorf("ranking: weights cannot be negative")
	}
	weightSum := c.Ranking.SimilarityWeight + c.Ranking.RecencyWeight + c.Ranking.TagWeight
	if math.Abs(weightSum-1.0) > 1e-6 {
		return fmt.Errorf("ranking: weights must sum to 1.0, got %.4f", weightSum)
	}

	if c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("search: default_limit must be positive, got %d", c.Search.DefaultLimit)
	}
	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		return fmt.Errorf("search: similarity_threshold must be in [0,1], got %.4f", c.Search.SimilarityThreshold)
	}

	if c.Sync.Enabled {
		if c.Sync.RemoteURL == "" {
			return fmt.Errorf("sync: remote_url is required when sync is enabled")
		}
		if c.Sync.IntervalSeconds <= 0 {
			return fmt.Errorf("sync: interval_seconds must be positive, got %d", c.Sync.IntervalSeconds)
		}
		if c.Sync.BatchSize <= 0 {
			return fmt.Errorf("sync: batch_size must be positive, got %d", c.Sync.BatchSize)
		}
		if c.Sync.MaxBackoffSeconds < c.Sync.IntervalSeconds {
			return fmt.Errorf("sync: max_backoff_seconds (%d) must be at least interval_seconds (%d)",
				c.Sync.MaxBackoffSeconds, c.Sync.IntervalSeconds)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr is required when metrics are enabled")
	}

	if c.Maintenance.ReembedSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Maintenance.ReembedSchedule); err != nil {
			return fmt.Errorf("maintenance: invalid reembed_schedule: %w", err)
		}
	}

	return nil
}
