package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLock(t *testing.T) {
	t.Run("serializes holders of the same key", func(t *testing.T) {
		m := New(time.Second)
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := m.Lock(context.Background(), "save")
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				release()
			}()
		}
		wg.Wait()

		if maxInside.Load() != 1 {
			t.Errorf("expected at most 1 holder, got %d", maxInside.Load())
		}
	})

	t.Run("different keys do not block each other", func(t *testing.T) {
		m := New(50 * time.Millisecond)
		r1, err := m.Lock(context.Background(), "save")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer r1()

		r2, err := m.Lock(context.Background(), "modify")
		if err != nil {
			t.Fatalf("expected independent key to lock, got %v", err)
		}
		r2()
	})

	t.Run("times out when held", func(t *testing.T) {
		m := New(20 * time.Millisecond)
		r1, _ := m.Lock(context.Background(), "cleanup")
		defer r1()

		start := time.Now()
		_, err := m.Lock(context.Background(), "cleanup")
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
		if time.Since(start) < 20*time.Millisecond {
			t.Errorf("expected to wait for the timeout")
		}
	})

	t.Run("context cancellation is reported as such", func(t *testing.T) {
		m := New(time.Second)
		r1, _ := m.Lock(context.Background(), "k")
		defer r1()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := m.Lock(ctx, "k")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("release is idempotent", func(t *testing.T) {
		m := New(time.Second)
		release, _ := m.Lock(context.Background(), "k")
		release()
		release()

		r, ok := m.TryLock("k")
		if !ok {
			t.Fatal("expected lock to be free")
		}
		if _, ok := m.TryLock("k"); ok {
			t.Error("expected second TryLock to fail")
		}
		r()
	})
}

func TestLockAll(t *testing.T) {
	m := New(20 * time.Millisecond)

	held, _ := m.Lock(context.Background(), "modify")

	_, err := m.LockAll(context.Background(), "cleanup", "modify")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// cleanup must have been released on failure.
	r, ok := m.TryLock("cleanup")
	if !ok {
		t.Fatal("expected cleanup to be released after partial failure")
	}
	r()
	held()

	release, err := m.LockAll(context.Background(), "cleanup", "modify")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release()
}
