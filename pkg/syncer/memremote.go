package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// InMemoryRemote is a RemoteStore held in memory. It backs tests and the
// loopback sync mode, and enforces the same version discipline a real
// remote does.
type InMemoryRemote struct {
	mu      sync.Mutex
	records map[string]RecordPayload
	version map[string]string
	seq     int
	log     []Change
	failure error
}

// NewInMemoryRemote creates an empty in-memory remote.
func NewInMemoryRemote() *InMemoryRemote {
	return &InMemoryRemote{
		records: make(map[string]RecordPayload),
		version: make(map[string]string),
	}
}

// SetFailure makes every call fail with err until cleared with nil.
func (r *InMemoryRemote) SetFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

// Push applies a batch under optimistic versioning: a non-empty
// PriorVersion must match the remote's current version or the record
// conflicts. An empty PriorVersion is unconditional.
func (r *InMemoryRemote) Push(ctx context.Context, payloads []RecordPayload) ([]PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return nil, r.failure
	}

	results := make([]PushResult, 0, len(payloads))
	for _, payload := range payloads {
		current := r.version[payload.ContentHash]
		if payload.PriorVersion != "" && payload.PriorVersion != current {
			results = append(results, PushResult{ContentHash: payload.ContentHash, Conflict: true})
			continue
		}
		version := r.nextVersion()
		r.records[payload.ContentHash] = payload
		r.version[payload.ContentHash] = version
		r.log = append(r.log, Change{
			ContentHash: payload.ContentHash,
			Version:     version,
			Payload:     &payload,
		})
		results = append(results, PushResult{ContentHash: payload.ContentHash, Version: version})
	}

	return results, nil
}

// Pull returns changes after the cursor (a feed offset).
func (r *InMemoryRemote) Pull(ctx context.Context, cursor string, limit int) ([]Change, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return nil, "", r.failure
	}

	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q: %v", cursor, err)
		}
		offset = parsed
	}
	if offset > len(r.log) {
		offset = len(r.log)
	}

	end := offset + limit
	if end > len(r.log) {
		end = len(r.log)
	}

	changes := make([]Change, end-offset)
	copy(changes, r.log[offset:end])
	return changes, strconv.Itoa(end), nil
}

// Delete removes a record. Deleting an absent hash is acknowledged.
func (r *InMemoryRemote) Delete(ctx context.Context, contentHash, priorVersion string) (PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return PushResult{}, r.failure
	}

	current, exists := r.version[contentHash]
	if !exists {
		return PushResult{ContentHash: contentHash}, nil
	}
	if priorVersion != "" && priorVersion != current {
		return PushResult{ContentHash: contentHash, Conflict: true}, nil
	}

	delete(r.records, contentHash)
	delete(r.version, contentHash)
	version := r.nextVersion()
	r.log = append(r.log, Change{
		ContentHash: contentHash,
		Deleted:     true,
		Version:     version,
	})

	return PushResult{ContentHash: contentHash, Version: version}, nil
}

// Fetch returns the current remote state of a record.
func (r *InMemoryRemote) Fetch(ctx context.Context, contentHash string) (*Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return nil, r.failure
	}

	version, ok := r.version[contentHash]
	if !ok {
		// Walk the log backwards to distinguish deleted from never-seen.
		for i := len(r.log) - 1; i >= 0; i-- {
			if r.log[i].ContentHash == contentHash {
				deleted := r.log[i]
				return &deleted, nil
			}
		}
		return nil, nil
	}

	payload := r.records[contentHash]
	return &Change{ContentHash: contentHash, Version: version, Payload: &payload}, nil
}

// EditTags simulates a remote-side tag edit, producing a new version and a
// change feed entry.
func (r *InMemoryRemote) EditTags(contentHash string, tags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload, ok := r.records[contentHash]
	if !ok {
		return fmt.Errorf("no remote record for %s", contentHash)
	}

	payload.Tags = tags
	version := r.nextVersion()
	r.records[contentHash] = payload
	r.version[contentHash] = version
	r.log = append(r.log, Change{
		ContentHash: contentHash,
		Version:     version,
		Payload:     &payload,
	})
	return nil
}

// Records returns a snapshot of the remote's current records.
func (r *InMemoryRemote) Records() map[string]RecordPayload {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]RecordPayload, len(r.records))
	for hash, payload := range r.records {
		out[hash] = payload
	}
	return out
}

// Version returns the current remote version for a hash, or "".
func (r *InMemoryRemote) Version(contentHash string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version[contentHash]
}

func (r *InMemoryRemote) nextVersion() string {
	r.seq++
	return "v" + strconv.Itoa(r.seq)
}
