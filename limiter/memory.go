package limiter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps grant timestamps in process memory. Only valid when all
// fetcher workers live in one process; multi-process deployments must use
// RedisStore or joins will exceed the platform ceiling.
type MemoryStore struct {
	mu      sync.Mutex
	ceiling int
	window  time.Duration
	grants  []time.Time
	now     func() time.Time // swappable for tests
}

// NewMemoryStore returns a sliding-window counter with the given ceiling.
func NewMemoryStore(ceiling int, window time.Duration) *MemoryStore {
	if ceiling <= 0 {
		ceiling = 20
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &MemoryStore{ceiling: ceiling, window: window, now: time.Now}
}

// TryReserve implements CounterStore.
func (s *MemoryStore) TryReserve(ctx context.Context, n int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-s.window)
	kept := s.grants[:0]
	for _, t := range s.grants {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.grants = kept
	if len(s.grants)+n > s.ceiling {
		return false, nil
	}
	for i := 0; i < n; i++ {
		s.grants = append(s.grants, now)
	}
	return true, nil
}

// InWindow returns the number of grants currently inside the window.
func (s *MemoryStore) InWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.window)
	count := 0
	for _, t := range s.grants {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

var _ CounterStore = (*MemoryStore)(nil)
