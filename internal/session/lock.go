package session

import (
	"context"
	"sync"
)

// UnlockFunc releases a lock acquired with a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker provides mutual exclusion per session ID.
type Locker interface {
	Lock(ctx context.Context, sessionID string) (UnlockFunc, error)
}

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*LocalLocker)(nil)

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		locks: make(map[string]*localLock),
	}
}

// Lock blocks until the lock for the session ID is free or the context is done.
func (l *LocalLocker) Lock(ctx context.Context, sessionID string) (UnlockFunc, error) {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &localLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(sessionID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-lock.ch
			l.release(sessionID, lock)
		})

		return nil
	}, nil
}

func (l *LocalLocker) release(sessionID string, lock *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, sessionID)
	}
}
