package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs unit tests and single-node dev
// runs where Postgres isn't available. All methods are safe for concurrent
// use; InsertSightings holds the write lock for the whole roster so the
// per-roster atomicity contract holds trivially.
type Memory struct {
	mu        sync.RWMutex
	sweeps    map[uuid.UUID]Sweep
	sightings map[sightingKey]Sighting
	accounts  map[string]Account
	counters  map[string]Counter
	scores    map[string]Score
	history   []Score
}

type sightingKey struct {
	login   string
	channel string
	sweep   uuid.UUID
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sweeps:    make(map[uuid.UUID]Sweep),
		sightings: make(map[sightingKey]Sighting),
		accounts:  make(map[string]Account),
		counters:  make(map[string]Counter),
		scores:    make(map[string]Score),
	}
}

func (m *Memory) CreateSweep(ctx context.Context, s Sweep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.sweeps[s.ID] = s
	return nil
}

func (m *Memory) UpdateSweep(ctx context.Context, s Sweep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.sweeps[s.ID]
	if !ok {
		return ErrNotFound
	}
	s.CreatedAt = prev.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	m.sweeps[s.ID] = s
	return nil
}

func (m *Memory) GetSweep(ctx context.Context, id uuid.UUID) (Sweep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sweeps[id]
	if !ok {
		return Sweep{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSweeps(ctx context.Context, limit int) ([]Sweep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sweep, 0, len(m.sweeps))
	for _, s := range m.sweeps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertSightings(ctx context.Context, sweepID uuid.UUID, channelID string, logins []string, observedAt, windowStart, windowEnd time.Time) (created, conflicts []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Referential integrity is enforced at write time, not deferred.
	if _, ok := m.sweeps[sweepID]; !ok {
		return nil, nil, ErrNotFound
	}
	for _, login := range logins {
		key := sightingKey{login: login, channel: channelID, sweep: sweepID}
		if existing, ok := m.sightings[key]; ok {
			if !existing.ObservedAt.Equal(observedAt) {
				conflicts = append(conflicts, login)
			}
			continue
		}
		m.sightings[key] = Sighting{
			Login:       login,
			ChannelID:   channelID,
			SweepID:     sweepID,
			ObservedAt:  observedAt,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
		}
		created = append(created, login)
	}
	return created, conflicts, nil
}

// SightingCount returns the total number of stored sightings. Test helper.
func (m *Memory) SightingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sightings)
}

func (m *Memory) EnsureAccounts(ctx context.Context, logins []string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, login := range logins {
		a, ok := m.accounts[login]
		if !ok {
			a = Account{Login: login, FirstSighting: seenAt}
		}
		if a.FirstSighting.IsZero() || seenAt.Before(a.FirstSighting) {
			a.FirstSighting = seenAt
		}
		if seenAt.After(a.MostRecentSighting) {
			a.MostRecentSighting = seenAt
		}
		m.accounts[login] = a
	}
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, login string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[login]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) UpsertAccount(ctx context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Login] = a
	return nil
}

func (m *Memory) ListStaleAccounts(ctx context.Context, enrichedBefore time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type cand struct {
		login string
		at    time.Time
	}
	var cands []cand
	for login, a := range m.accounts {
		if a.BannedOrDeleted {
			continue
		}
		if a.EnrichedAt.IsZero() || a.EnrichedAt.Before(enrichedBefore) {
			cands = append(cands, cand{login: login, at: a.EnrichedAt})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].at.Equal(cands[j].at) {
			return cands[i].login < cands[j].login
		}
		return cands[i].at.Before(cands[j].at)
	})
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, c.login)
	}
	return out, nil
}

func (m *Memory) GetCounter(ctx context.Context, login string) (Counter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.counters[login]
	if !ok {
		return Counter{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) UpsertCounter(ctx context.Context, c Counter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[c.Login] = c.Clone()
	return nil
}

func (m *Memory) ScanCounters(ctx context.Context, minChannels int, fn func(Counter) error) error {
	// Snapshot under the read lock, then release before invoking fn so a
	// slow scan never blocks writers indefinitely.
	m.mu.RLock()
	snap := make([]Counter, 0, len(m.counters))
	for _, c := range m.counters {
		if c.Distinct() >= minChannels {
			snap = append(snap, c.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(snap, func(i, j int) bool { return snap[i].Login < snap[j].Login })
	for _, c := range snap {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) DeleteCounterChannels(ctx context.Context, login string, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[login]
	if !ok {
		return nil
	}
	for ch, seen := range c.Channels {
		if seen.Before(before) {
			delete(c.Channels, ch)
		}
	}
	c.UpdatedAt = time.Now().UTC()
	m.counters[login] = c
	return nil
}

func (m *Memory) UpsertScore(ctx context.Context, sc Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[sc.Login] = sc
	m.history = append(m.history, sc)
	return nil
}

func (m *Memory) GetScore(ctx context.Context, login string) (Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scores[login]
	if !ok {
		return Score{}, ErrNotFound
	}
	return sc, nil
}

func (m *Memory) ListScores(ctx context.Context, minScore float64, limit int) ([]Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Score, 0, len(m.scores))
	for _, sc := range m.scores {
		if sc.Score >= minScore {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ScoreHistoryLen returns the number of appended history rows. Test helper.
func (m *Memory) ScoreHistoryLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

var _ Store = (*Memory)(nil)
