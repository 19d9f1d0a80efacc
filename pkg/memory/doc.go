// Package memory provides a content-addressed store for semantic memories
// with vector similarity search.
//
// Invariants:
// - Records are keyed by a hash of their normalized content; storing the
//   same content twice is a no-op that returns the existing record.
// - The vector index is derived state and can be rebuilt from the store
//   at any time.
// - Embedding failures degrade a record (excluded from similarity search)
//   but never fail the write.
//
// Usage:
//
//	svc, _ := memory.New(memory.Config{DBPath: "/data/memories.db", Embedder: provider})
//	defer svc.Close()
//	rec, _ := svc.StoreMemory(ctx, "Implemented JWT auth", []string{"auth"}, "note", nil)
//	results, _ := svc.Retrieve(ctx, "authentication", 5, 0.4, nil)
//	_ = rec
//	_ = results
package memory
