package services

import (
	"context"
	"sync"
)

// UserLease serializes a user's session work across processes. Acquire
// waits until the lease is held or ctx is done; TryAcquire returns at once.
type UserLease interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
	TryAcquire(ctx context.Context, userID string) (release func(), ok bool, err error)
}

// UserLocks hands out one mutex per user id. Entries are dropped once no
// goroutine holds or waits on them.
type UserLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[string]*userLock)}
}

// Lock blocks until userID's lock is held and returns its release func.
func (l *UserLocks) Lock(userID string) func() {
	ul := l.acquire(userID)
	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.release(userID, ul)
	}
}

// TryLock is Lock without waiting. ok is false if another holder exists.
func (l *UserLocks) TryLock(userID string) (unlock func(), ok bool) {
	ul := l.acquire(userID)
	if !ul.mu.TryLock() {
		l.release(userID, ul)
		return nil, false
	}
	return func() {
		ul.mu.Unlock()
		l.release(userID, ul)
	}, true
}

func (l *UserLocks) acquire(userID string) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	return ul
}

func (l *UserLocks) release(userID string, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

func (l *UserLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
