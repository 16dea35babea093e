package publish

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// branchLocks serializes publishes per branch. Waiting honors ctx.
type branchLocks struct {
	mu      sync.Mutex
	entries map[string]*branchLock
}

type branchLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newBranchLocks() *branchLocks {
	return &branchLocks{entries: make(map[string]*branchLock)}
}

// acquire blocks until the caller owns key. The returned func releases it.
func (l *branchLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &branchLock{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.drop(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.drop(key, e)
		})
	}, nil
}

func (l *branchLocks) drop(key string, e *branchLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size returns the number of branches with an owner or waiters.
func (l *branchLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
