// Package sessionlock serializes turns for the same session. Different
// sessions never contend.
package sessionlock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive per-session lock. The returned function
// releases it and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

type localEntry struct {
	slot chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex. Entries are dropped when no
// caller holds or waits on them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocal creates an in-process locker.
func NewLocal() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

// Lock implements Locker. It returns ctx.Err() if the context ends first.
func (l *LocalLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[sessionID]
	if !ok {
		e = &localEntry{slot: make(chan struct{}, 1)}
		l.entries[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(sessionID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			l.release(sessionID, e)
		})
	}, nil
}

func (l *LocalLocker) release(sessionID string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, sessionID)
	}
}

// size reports how many sessions have live entries.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
