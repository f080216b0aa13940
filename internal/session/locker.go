package session

import "sync"

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Locker serializes turn execution per session. Locks are created on
// demand and removed once the last waiter releases, so the map never
// grows beyond the set of currently contended sessions.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the session lock is held and returns the release
// function. Callers must release exactly once, typically via defer.
func (l *Locker) Lock(sessionID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}

// Contended reports whether any goroutine currently holds or waits on
// the session lock.
func (l *Locker) Contended(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks[sessionID] != nil
}
