package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/harun/mnemo/pkg/memory"
)

// ErrRemoteUnavailable indicates the remote store could not be reached or
// answered with a server error. Cycles failing with it back off and retry.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// RecordPayload is the wire form of a memory record.
type RecordPayload struct {
	ContentHash string                 `json:"content_hash"`
	Content     string                 `json:"content"`
	Embedding   []float32              `json:"embedding,omitempty"`
	Tags        []string               `json:"tags"`
	MemoryType  string                 `json:"memory_type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAtMs int64                  `json:"created_at_ms"`
	UpdatedAtMs int64                  `json:"updated_at_ms"`
	// PriorVersion is the remote version this push is based on. Empty means
	// unconditional: first push or keep-local conflict resolution.
	PriorVersion string `json:"prior_version,omitempty"`
}

// PushResult is the remote's answer to one pushed record.
type PushResult struct {
	ContentHash string `json:"content_hash"`
	Version     string `json:"version"`
	// Conflict reports that the remote rejected the push because its copy
	// advanced past PriorVersion.
	Conflict bool `json:"conflict"`
}

// Change is one entry of the remote change feed.
type Change struct {
	ContentHash string         `json:"content_hash"`
	Deleted     bool           `json:"deleted"`
	Version     string         `json:"version"`
	Payload     *RecordPayload `json:"payload,omitempty"`
}

// RemoteStore is the remote half of the sync protocol.
type RemoteStore interface {
	// Push uploads a batch and returns one result per payload, same order.
	Push(ctx context.Context, payloads []RecordPayload) ([]PushResult, error)
	// Pull returns changes after the cursor plus the next cursor. An empty
	// cursor starts from the beginning of the feed.
	Pull(ctx context.Context, cursor string, limit int) ([]Change, string, error)
	// Delete removes a record remotely. priorVersion guards against
	// deleting a copy that advanced since; deleting an absent record is
	// acknowledged, not an error.
	Delete(ctx context.Context, contentHash, priorVersion string) (PushResult, error)
}

// RemoteFetcher is an optional RemoteStore extension for reading a single
// record's current remote state. Conflict resolution needs it to accept
// the remote copy.
type RemoteFetcher interface {
	// Fetch returns the record's current state as a change, a deleted
	// change when it was removed, or nil when the remote never saw it.
	Fetch(ctx context.Context, contentHash string) (*Change, error)
}

// PayloadFromRecord converts a stored record to its wire form.
func PayloadFromRecord(record *memory.MemoryRecord) RecordPayload {
	return RecordPayload{
		ContentHash:  record.ContentHash,
		Content:      record.Content,
		Embedding:    record.Embedding,
		Tags:         record.Tags,
		MemoryType:   record.MemoryType,
		Metadata:     record.Metadata,
		CreatedAtMs:  record.CreatedAt.UnixMilli(),
		UpdatedAtMs:  record.UpdatedAt.UnixMilli(),
		PriorVersion: record.RemoteVersion,
	}
}

// RecordFromPayload converts a pulled payload back to a record. The caller
// sets sync state; version comes from the enclosing change.
func RecordFromPayload(payload *RecordPayload, version string) *memory.MemoryRecord {
	return &memory.MemoryRecord{
		ContentHash:   payload.ContentHash,
		Content:       payload.Content,
		Embedding:     payload.Embedding,
		Tags:          memory.NormalizeTags(payload.Tags),
		MemoryType:    payload.MemoryType,
		Metadata:      payload.Metadata,
		CreatedAt:     time.UnixMilli(payload.CreatedAtMs),
		UpdatedAt:     time.UnixMilli(payload.UpdatedAtMs),
		RemoteVersion: version,
	}
}
