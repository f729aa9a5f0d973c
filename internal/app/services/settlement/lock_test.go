package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubjectLockAcquireRelease(t *testing.T) {
	l := NewSubjectLock()

	release, err := l.Acquire(context.Background(), "claim-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !l.Held("claim-1") {
		t.Fatal("expected subject to be held")
	}

	release()
	if l.Held("claim-1") {
		t.Fatal("expected subject to be released")
	}

	// Double release is a no-op.
	release()
}

func TestSubjectLockContention(t *testing.T) {
	l := NewSubjectLock()

	release, err := l.Acquire(context.Background(), "claim-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "claim-1"); !errors.Is(err, ErrSubjectLocked) {
		t.Fatalf("expected ErrSubjectLocked, got %v", err)
	}

	// A different subject is unaffected.
	other, err := l.Acquire(context.Background(), "claim-2")
	if err != nil {
		t.Fatalf("Acquire on free subject failed: %v", err)
	}
	other()

	release()
	again, err := l.Acquire(context.Background(), "claim-1")
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	again()
}

func TestSubjectLockHandoff(t *testing.T) {
	l := NewSubjectLock()

	const workers = 8
	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "claim-1")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer release()

			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Fatalf("lock admitted %d holders concurrently", max)
	}
}
