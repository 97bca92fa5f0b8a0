// Package keylock provides a map of named locks with bounded acquisition.
// Each key owns a weighted semaphore of size one, so Lock behaves like a
// mutex whose wait can be abandoned when the context ends or the timeout
// elapses.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when a lock could not be acquired in time.
var ErrTimeout = errors.New("lock acquisition timed out")

// Map hands out one lock per key. The zero value is not usable; call New.
type Map struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// New creates a lock map whose acquisitions give up after timeout.
// A non-positive timeout waits until the context is done.
func New(timeout time.Duration) *Map {
	return &Map{
		timeout: timeout,
		locks:   make(map[string]*semaphore.Weighted),
	}
}

// lockFor returns the semaphore for key, creating it on first use.
func (m *Map) lockFor(key string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[key]; ok {
		return l
	}
	l := semaphore.NewWeighted(1)
	m.locks[key] = l
	return l
}

// Lock acquires the lock for key and returns the function that releases it.
// Fails with an error wrapping ErrTimeout when the timeout elapses first,
// or with the context error when ctx is cancelled.
func (m *Map) Lock(ctx context.Context, key string) (release func(), err error) {
	l := m.lockFor(key)

	acquireCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	if err := l.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %q after %s", ErrTimeout, key, m.timeout)
	}

	var once sync.Once
	return func() { once.Do(func() { l.Release(1) }) }, nil
}

// LockAll acquires several keys in the given order. On failure every lock
// already taken is released before returning.
func (m *Map) LockAll(ctx context.Context, keys ...string) (release func(), err error) {
	releases := make([]func(), 0, len(keys))
	unlockAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, key := range keys {
		rel, err := m.Lock(ctx, key)
		if err != nil {
			unlockAll()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return unlockAll, nil
}

// TryLock acquires the lock for key only if it is free right now.
func (m *Map) TryLock(key string) (release func(), ok bool) {
	l := m.lockFor(key)
	if !l.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { l.Release(1) }) }, true
}
