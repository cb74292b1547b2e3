package engine

import "sync"

// LockSet is a keyed mutex serialising work per address. Entries are
// reference counted and removed once no goroutine holds or waits on them.
type LockSet struct {
	mu    sync.Mutex
	locks map[string]*addressLock
}

type addressLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockSet returns an empty lock set. Share one set between the voucher
// service and relay engine so both operations on an address serialise.
func NewLockSet() *LockSet {
	return &LockSet{locks: make(map[string]*addressLock)}
}

// Lock blocks until key is held and returns the matching unlock function.
func (l *LockSet) Lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &addressLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *LockSet) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
