package memory

import "errors"

var (
	// ErrNotFound indicates no record exists for the given content hash.
	ErrNotFound = errors.New("memory record not found")

	// ErrEmbeddingUnavailable indicates the embedding provider failed.
	// Writes survive it (the record is stored degraded); semantic reads
	// cannot proceed without an embedding and surface it to the caller.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrIndexNotReady indicates the vector index is being rebuilt and
	// cannot serve searches yet.
	ErrIndexNotReady = errors.New("vector index not ready")

	// ErrInvalidInput indicates malformed input, e.g. empty content.
	ErrInvalidInput = errors.New("invalid input")
)
