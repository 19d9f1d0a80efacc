package memory

import "sync"

// hashLocks serializes writes per content hash so unrelated records never
// block each other, and sync activity never blocks foreground writes to
// other records.
type hashLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newHashLocks() *hashLocks {
	return &hashLocks{entries: make(map[string]*lockEntry)}
}

// Lock acquires the lock for the given hash and returns its release func.
func (l *hashLocks) Lock(hash string) func() {
	l.mu.Lock()
	entry, ok := l.entries[hash]
	if !ok {
		entry = &lockEntry{}
		l.entries[hash] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, hash)
		}
		l.mu.Unlock()
	}
}
