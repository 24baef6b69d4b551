package scheduler

import "sync"

// Locker guards one run per config at a time. The in-process
// implementation suffices for a single node; a distributed lock can be
// swapped in behind the same interface.
type Locker interface {
	// TryAcquire returns true if the key was free and is now held.
	TryAcquire(key string) bool
	Release(key string)
}

// KeyedLock is the in-process Locker.
type KeyedLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedLock creates an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{held: make(map[string]struct{})}
}

func (l *KeyedLock) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *KeyedLock) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
