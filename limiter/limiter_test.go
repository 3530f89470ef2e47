package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newLimiter(t *testing.T, store CounterStore, cfg Config) *Limiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, store, cfg)
}

func TestCeilingNeverExceeded(t *testing.T) {
	window := 200 * time.Millisecond
	store := NewMemoryStore(5, window)
	l := newLimiter(t, store, Config{Ceiling: 5, Window: window, PollEvery: 5 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), 1); err != nil {
				t.Errorf("acquire: %v", err)
			}
			if got := store.InWindow(); got > 5 {
				t.Errorf("grants in window = %d, exceeds ceiling 5", got)
			}
		}()
	}
	wg.Wait()
}

func TestThirdCallerWaitsFIFO(t *testing.T) {
	window := 150 * time.Millisecond
	store := NewMemoryStore(2, window)
	l := newLimiter(t, store, Config{Ceiling: 2, Window: window, PollEvery: 5 * time.Millisecond})

	ctx := context.Background()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	start := time.Now()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if waited := time.Since(start); waited < window/2 {
		t.Fatalf("third caller granted after %v, expected to wait for slot expiry (~%v)", waited, window)
	}
}

func TestGrantOrderIsFIFO(t *testing.T) {
	window := 100 * time.Millisecond
	store := NewMemoryStore(1, window)
	l := newLimiter(t, store, Config{Ceiling: 1, Window: window, PollEvery: 5 * time.Millisecond})

	// Occupy the only slot so subsequent acquires queue up.
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		id := i
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), 1); err != nil {
				t.Errorf("acquire %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}()
		// Stagger submissions so request order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i <= 3; i++ {
		if order[i-1] != i {
			t.Fatalf("grant order %v, want FIFO [1 2 3]", order)
		}
	}
}

func TestAcquireFailsFastWhenStoreUnavailable(t *testing.T) {
	broken := storeFunc(func(ctx context.Context, n int) (bool, error) {
		return false, errors.New("connection refused")
	})
	l := newLimiter(t, broken, Config{Ceiling: 2, Window: time.Second, PollEvery: 5 * time.Millisecond})

	err := l.Acquire(context.Background(), 1)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	store := NewMemoryStore(1, time.Minute)
	l := newLimiter(t, store, Config{Ceiling: 1, Window: time.Minute, PollEvery: 5 * time.Millisecond})
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAcquireRejectsOversizedRequest(t *testing.T) {
	store := NewMemoryStore(2, time.Second)
	l := newLimiter(t, store, Config{Ceiling: 2, Window: time.Second})
	if err := l.Acquire(context.Background(), 3); err == nil {
		t.Fatal("expected error for n above ceiling")
	}
}

func TestMemoryStoreSlidingWindow(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(2, 10*time.Second)
	store.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := store.TryReserve(context.Background(), 1)
		if err != nil || !ok {
			t.Fatalf("reserve %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := store.TryReserve(context.Background(), 1); ok {
		t.Fatal("reserve above ceiling succeeded")
	}

	now = now.Add(11 * time.Second)
	if ok, _ := store.TryReserve(context.Background(), 1); !ok {
		t.Fatal("expired grants still counted against ceiling")
	}
}

type storeFunc func(ctx context.Context, n int) (bool, error)

func (f storeFunc) TryReserve(ctx context.Context, n int) (bool, error) { return f(ctx, n) }
