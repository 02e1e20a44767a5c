package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	k := NewKeyLock()
	ctx := context.Background()

	var counter int
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := k.Do(ctx, "tenant_1", func() error {
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				return nil
			})
			if err != nil {
				t.Errorf("lock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("expected %d, got %d", n, counter)
	}
}

func TestKeyLock_ContextDeadline(t *testing.T) {
	k := NewKeyLock()

	unlock, err := k.Lock(context.Background(), "dep_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = k.Lock(ctx, "dep_1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyLock_UnlockAllowsNext(t *testing.T) {
	k := NewKeyLock()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := k.Lock(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second waiter acquired lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second waiter did not acquire lock after release")
	}
}

func TestKeyLock_DoPropagatesError(t *testing.T) {
	k := NewKeyLock()
	boom := errors.New("boom")
	if err := k.Do(context.Background(), "x", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	// Lock must be released after an error.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := k.Do(ctx, "x", func() error { return nil }); err != nil {
		t.Fatalf("lock not released: %v", err)
	}
}
