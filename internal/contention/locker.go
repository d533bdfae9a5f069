// Package contention serializes writes that must not interleave
// destructively while keeping unrelated resources fully parallel.
//
// Message inserts take a conversation-scoped lock token so ordering within
// one conversation is total; two conversations never block each other.
// Shared counters (reactions, poll votes) do not use locks at all — the
// store's uniqueness constraints are their serialization point.
package contention

import (
	"context"
	"sync"
	"time"

	"github.com/huddle/chat-backend/internal/fault"
)

// DefaultAcquireTimeout bounds how long a caller blocks waiting for a
// conversation token before failing with Contended.
const DefaultAcquireTimeout = 2 * time.Second

// ReleaseFunc releases an acquired token. Calling it more than once is
// safe.
type ReleaseFunc func()

// Locker hands out named mutual-exclusion tokens. Acquire blocks up to
// the locker's configured timeout; on timeout it returns a Contended
// fault rather than hanging. Callers must not hold a storage pool
// connection while waiting to acquire.
type Locker interface {
	Acquire(ctx context.Context, key string) (ReleaseFunc, error)
}

// KeyedMutex is the in-process Locker: one semaphore per key, created on
// demand and discarded when the last waiter departs. It is the default
// for single-instance deployments where a network round-trip per send
// would be pure overhead.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*kmEntry
	timeout time.Duration
}

type kmEntry struct {
	sem  chan struct{} // capacity 1
	refs int           // holders + waiters, guarded by KeyedMutex.mu
}

// NewKeyedMutex creates a KeyedMutex with the given acquire timeout.
// A non-positive timeout falls back to DefaultAcquireTimeout.
func NewKeyedMutex(timeout time.Duration) *KeyedMutex {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &KeyedMutex{
		entries: make(map[string]*kmEntry),
		timeout: timeout,
	}
}

// Acquire blocks until the key's token is free, the timeout elapses, or
// ctx is cancelled. Tokens for distinct keys are fully independent.
func (km *KeyedMutex) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	km.mu.Lock()
	e, ok := km.entries[key]
	if !ok {
		e = &kmEntry{sem: make(chan struct{}, 1)}
		km.entries[key] = e
	}
	e.refs++
	km.mu.Unlock()

	timer := time.NewTimer(km.timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-e.sem
				km.unref(key, e)
			})
		}
		return release, nil

	case <-timer.C:
		km.unref(key, e)
		return nil, fault.New(fault.KindContended, "conversation lock timeout")

	case <-ctx.Done():
		km.unref(key, e)
		return nil, fault.Wrap(fault.KindContended, "conversation lock cancelled", ctx.Err())
	}
}

// unref drops one reference and removes the entry once nobody holds or
// waits on it.
func (km *KeyedMutex) unref(key string, e *kmEntry) {
	km.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(km.entries, key)
	}
	km.mu.Unlock()
}
