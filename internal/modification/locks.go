package modification

import (
	"sync"
	"time"
)

// keyedLocks is a per-key binary semaphore with bounded acquisition. Entries
// are reference-counted so the map does not grow with every order ever
// modified.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks up to timeout for the key's lock; false means contention
func (k *keyedLocks) acquire(key string, timeout time.Duration) bool {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return true
	case <-time.After(timeout):
		k.unref(key, entry)
		return false
	}
}

// release frees the key's lock
func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	k.mu.Unlock()
	if !ok {
		return
	}
	<-entry.sem
	k.unref(key, entry)
}

func (k *keyedLocks) unref(key string, entry *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 {
		delete(k.entries, key)
	}
}
