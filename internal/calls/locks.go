package calls

import "sync"

// keyedLocks is a mutex arena indexed by id (leg id or conversation id).
// Two events for the same key apply one at a time in arrival order; events
// for unrelated keys proceed fully in parallel. No global lock is held while
// a keyed section runs.
//
// Entries are reference counted so Evict can drop a key once its conversation
// reaches a terminal state without racing an in-flight holder.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key, creating the entry on first use.
// The returned func releases the mutex and drops the reference.
func (k *keyedLocks) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs <= 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len reports the number of live entries; used by tests to verify eviction.
func (k *keyedLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
