package paychan

import "sync"

// SubChannelLocks serializes work per sub-channel while letting distinct
// sub-channels proceed in parallel. Entries are reference counted and removed
// when no goroutine holds or waits on them.
type SubChannelLocks struct {
	mu    sync.Mutex
	locks map[SubChannelKey]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewSubChannelLocks creates an empty lock table
func NewSubChannelLocks() *SubChannelLocks {
	return &SubChannelLocks{locks: make(map[SubChannelKey]*refLock)}
}

// Lock blocks until the key is held and returns the matching unlock func
func (l *SubChannelLocks) Lock(key SubChannelKey) func() {
	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &refLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// size is the number of live entries
func (l *SubChannelLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
