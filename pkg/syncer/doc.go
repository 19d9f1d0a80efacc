// Package syncer replicates the local memory store to a remote store and
// back. Each sync cycle runs three phases against a bounded batch: push
// pending records, propagate tombstones, then pull remote changes from a
// cursor. Local wins nothing and remote wins nothing by default; divergent
// edits are surfaced as conflicts for explicit resolution.
package syncer
