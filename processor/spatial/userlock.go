package spatial

import "sync"

// userLock serializes projection passes per user. Two concurrent passes
// over the same graph would race on the matrix and on position writes;
// different users never contend.
type userLock struct {
	mu    sync.Mutex
	locks map[string]*userEntry
}

type userEntry struct {
	mu   sync.Mutex
	refs int
}

func newUserLock() *userLock {
	return &userLock{locks: make(map[string]*userEntry)}
}

// Lock acquires the per-user mutex, creating it on first use. The returned
// function releases it and drops the entry once nobody waits on it.
func (l *userLock) Lock(userID string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[userID]
	if !ok {
		entry = &userEntry{}
		l.locks[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
