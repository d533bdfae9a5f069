package contention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/huddle/chat-backend/internal/fault"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	km := NewKeyedMutex(time.Second)
	ctx := context.Background()

	const workers = 16
	const iterations = 50

	var counter int
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				release, err := km.Acquire(ctx, "conv-1")
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				// Unsynchronized increment; only the token protects it.
				counter++
				release()
			}
		}()
	}
	wg.Wait()

	if counter != workers*iterations {
		t.Fatalf("expected counter %d, got %d (lost updates)", workers*iterations, counter)
	}
}

func TestKeyedMutex_DistinctKeysIndependent(t *testing.T) {
	km := NewKeyedMutex(100 * time.Millisecond)
	ctx := context.Background()

	releaseA, err := km.Acquire(ctx, "conv-a")
	if err != nil {
		t.Fatalf("acquire conv-a: %v", err)
	}
	defer releaseA()

	// conv-a is held; conv-b must still be immediately available.
	start := time.Now()
	releaseB, err := km.Acquire(ctx, "conv-b")
	if err != nil {
		t.Fatalf("acquire conv-b while conv-a held: %v", err)
	}
	releaseB()

	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("distinct key acquire took %v, should not block", elapsed)
	}
}

func TestKeyedMutex_TimeoutIsContended(t *testing.T) {
	km := NewKeyedMutex(50 * time.Millisecond)
	ctx := context.Background()

	release, err := km.Acquire(ctx, "conv-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release()

	_, err = km.Acquire(ctx, "conv-1")
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !fault.Is(err, fault.KindContended) {
		t.Fatalf("expected contended fault, got %v", err)
	}
	if !fault.Retryable(err) {
		t.Error("contended must be retryable")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex(5 * time.Second)

	release, err := km.Acquire(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = km.Acquire(ctx, "conv-1")
	if err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
	if !fault.Is(err, fault.KindContended) {
		t.Fatalf("expected contended fault, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %v, should return promptly", elapsed)
	}
}

func TestKeyedMutex_ReleaseIdempotent(t *testing.T) {
	km := NewKeyedMutex(100 * time.Millisecond)
	ctx := context.Background()

	release, err := km.Acquire(ctx, "conv-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	release()
	release() // second call must be a no-op, not a second semaphore drain

	// The token must be acquirable again exactly once.
	release2, err := km.Acquire(ctx, "conv-1")
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	defer release2()

	if _, err := km.Acquire(ctx, "conv-1"); err == nil {
		t.Fatal("double release must not free the token twice")
	}
}

func TestKeyedMutex_EntriesCleanedUp(t *testing.T) {
	km := NewKeyedMutex(100 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		release, err := km.Acquire(ctx, "conv-1")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		release()
	}

	km.mu.Lock()
	n := len(km.entries)
	km.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no retained entries after release, got %d", n)
	}
}

func TestKeyedMutex_HandoffToWaiter(t *testing.T) {
	km := NewKeyedMutex(time.Second)
	ctx := context.Background()

	release, err := km.Acquire(ctx, "conv-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		r, err := km.Acquire(ctx, "conv-1")
		if err == nil {
			r()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiter acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired after release")
	}
}
