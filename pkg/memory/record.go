package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// SyncState tracks where a record stands relative to the remote store.
type SyncState string

const (
	// SyncStateLocalOnly marks records that will never be pushed (sync disabled).
	SyncStateLocalOnly SyncState = "local_only"
	// SyncStatePendingPush marks records awaiting upload to the remote store.
	SyncStatePendingPush SyncState = "pending_push"
	// SyncStateSynced marks records confirmed by the remote store.
	SyncStateSynced SyncState = "synced"
	// SyncStateConflict marks records with divergent local and remote edits.
	SyncStateConflict SyncState = "conflict"
)

// Metadata keys set on chunk records created by document ingestion.
const (
	MetadataKeyParentDocumentHash = "parent_document_hash"
	MetadataKeyChunkIndex         = "chunk_index"
)

// MemoryRecord is the atomic stored unit: a piece of text, its embedding,
// and bookkeeping for retrieval and sync.
type MemoryRecord struct {
	ContentHash string                 `json:"content_hash"`
	Content     string                 `json:"content"`
	Embedding   []float32              `json:"embedding,omitempty"` // nil when embedding failed (degraded)
	Tags        []string               `json:"tags"`
	MemoryType  string                 `json:"memory_type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	SyncState   SyncState              `json:"sync_state"`
	// RemoteVersion is the opaque version the remote store assigned on the
	// last successful sync. Empty until the record has synced once.
	RemoteVersion string `json:"remote_version,omitempty"`
}

// Degraded reports whether the record is missing its embedding.
func (r *MemoryRecord) Degraded() bool {
	return len(r.Embedding) == 0
}

// IsChunk reports whether the record was produced by document ingestion.
func (r *MemoryRecord) IsChunk() bool {
	if r.Metadata == nil {
		return false
	}
	_, ok := r.Metadata[MetadataKeyParentDocumentHash]
	return ok
}

// HasTag reports whether the record carries the given tag.
func (r *MemoryRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NormalizeContent trims and collapses whitespace so hashing is insensitive
// to formatting differences.
func NormalizeContent(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

// ContentHash returns the hex sha256 digest of the normalized content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// NormalizeTags trims, deduplicates and sorts tags. Tag order carries no
// meaning, so a canonical order keeps stored and synced forms stable.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
