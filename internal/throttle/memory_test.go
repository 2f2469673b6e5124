package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alertflow/internal/clock"
)

func TestMemoryStoreSuppressesWithinWindow(t *testing.T) {
	t.Parallel()

	clk := &clock.FakeClock{Instant: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(clk.Now)

	pass, suppressed, err := store.Acquire(context.Background(), "fp1", 5*time.Minute)
	if err != nil || !pass || suppressed != 0 {
		t.Fatalf("first acquire: pass=%v suppressed=%d err=%v", pass, suppressed, err)
	}

	pass, suppressed, err = store.Acquire(context.Background(), "fp1", 5*time.Minute)
	if err != nil || pass {
		t.Fatalf("second acquire must suppress: pass=%v err=%v", pass, err)
	}
	if suppressed != 1 {
		t.Fatalf("suppressed = %d", suppressed)
	}

	pass, suppressed, _ = store.Acquire(context.Background(), "fp1", 5*time.Minute)
	if pass || suppressed != 2 {
		t.Fatalf("third acquire: pass=%v suppressed=%d", pass, suppressed)
	}
}

func TestMemoryStorePassesAfterWindowExpiry(t *testing.T) {
	t.Parallel()

	clk := &clock.FakeClock{Instant: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(clk.Now)

	if pass, _, _ := store.Acquire(context.Background(), "fp1", time.Minute); !pass {
		t.Fatalf("first acquire must pass")
	}
	clk.Advance(61 * time.Second)
	if pass, _, _ := store.Acquire(context.Background(), "fp1", time.Minute); !pass {
		t.Fatalf("acquire after expiry must pass")
	}
}

func TestMemoryStoreClearReopensWindow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	if pass, _, _ := store.Acquire(context.Background(), "fp1", time.Hour); !pass {
		t.Fatalf("first acquire must pass")
	}
	if err := store.Clear(context.Background(), "fp1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if pass, _, _ := store.Acquire(context.Background(), "fp1", time.Hour); !pass {
		t.Fatalf("acquire after clear must pass")
	}
}

func TestMemoryStoreConcurrentAcquireSinglePass(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	const workers = 32
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		passed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pass, _, err := store.Acquire(context.Background(), "fp1", time.Hour)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if pass {
				mu.Lock()
				passed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if passed != 1 {
		t.Fatalf("expected exactly one pass, got %d", passed)
	}
}

type failingStore struct{}

func (failingStore) Acquire(context.Context, string, time.Duration) (bool, uint64, error) {
	return false, 0, errors.New("backend down")
}
func (failingStore) Clear(context.Context, string) error { return errors.New("backend down") }
func (failingStore) Close() error                        { return nil }

func TestFailOpenPassesOnBackendError(t *testing.T) {
	t.Parallel()

	store := NewFailOpen(failingStore{}, nil)
	pass, _, err := store.Acquire(context.Background(), "fp1", time.Minute)
	if err != nil {
		t.Fatalf("fail-open must not surface backend error: %v", err)
	}
	if !pass {
		t.Fatalf("fail-open must pass when backend is down")
	}
	if err := store.Clear(context.Background(), "fp1"); err != nil {
		t.Fatalf("fail-open clear must swallow error: %v", err)
	}
}
