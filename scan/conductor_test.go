package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/onnwee/lurkerwatch/aggregate"
	"github.com/onnwee/lurkerwatch/discovery"
	"github.com/onnwee/lurkerwatch/limiter"
	"github.com/onnwee/lurkerwatch/roster"
	"github.com/onnwee/lurkerwatch/store"
	"github.com/onnwee/lurkerwatch/testutil"
)

// fakeSession scripts rosters per channel; channels without an entry hang
// until the roster timeout or cancellation.
type fakeSession struct {
	mu      sync.Mutex
	rosters map[string][]string
	joins   int
}

func (f *fakeSession) Join(channel string) error {
	f.mu.Lock()
	f.joins++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Await(ctx context.Context, channel string, timeout time.Duration) ([]string, error) {
	f.mu.Lock()
	names, ok := f.rosters[channel]
	f.mu.Unlock()
	if ok {
		return names, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, roster.ErrRosterTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSession) Part(channel string) {}
func (f *fakeSession) Close() error       { return nil }

func (f *fakeSession) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

type fixture struct {
	store *store.Memory
	sess  *fakeSession
	cond  *Conductor
}

func newFixture(t *testing.T, channelLogins []string, rosters map[string][]string, cfg Config) *fixture {
	t.Helper()
	m := testutil.NewMockTwitchServer(t)
	streams := make([]map[string]interface{}, 0, len(channelLogins))
	for _, login := range channelLogins {
		streams = append(streams, map[string]interface{}{
			"id": "s-" + login, "user_id": "u-" + login, "user_login": login,
			"user_name": login, "viewer_count": 500, "language": "en",
			"started_at": "2026-08-28T10:00:00Z",
		})
	}
	m.MockStreamsResponse(streams)

	disc := discovery.NewService(m.Helix())
	disc.Pace = rate.NewLimiter(rate.Inf, 1)
	disc.MaxRetries = 1

	limCtx, limCancel := context.WithCancel(context.Background())
	t.Cleanup(limCancel)
	lim := limiter.New(limCtx, limiter.NewMemoryStore(20, 10*time.Second), limiter.Config{Ceiling: 20, Window: 10 * time.Second, PollEvery: 5 * time.Millisecond})

	sess := &fakeSession{rosters: rosters}
	pool := &roster.Pool{
		Limiter:    lim,
		NewSession: func(ctx context.Context) (roster.Session, error) { return sess, nil },
		Config:     roster.PoolConfig{Size: 5, RosterTimeout: 50 * time.Millisecond, MaxAttempts: 2},
	}

	st := store.NewMemory()
	agg := aggregate.New(st, 24*time.Hour)
	return &fixture{store: st, sess: sess, cond: New(st, disc, pool, agg, cfg)}
}

func waitTerminal(t *testing.T, fx *fixture, id uuid.UUID) store.Sweep {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := fx.cond.SweepStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("sweep status: %v", err)
		}
		if s.Status.Terminal() {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sweep never reached a terminal state")
	return store.Sweep{}
}

func TestSweepMixedOutcomes(t *testing.T) {
	fx := newFixture(t,
		[]string{"chan_a", "chan_b", "chan_c"},
		map[string][]string{
			"chan_a": {"u1", "u2"},
			// chan_b times out
			"chan_c": {"u2", "u3"},
		},
		Config{MaxChannels: 10},
	)
	id, err := fx.cond.StartSweep(context.Background(), discovery.Filters{})
	if err != nil {
		t.Fatalf("start sweep: %v", err)
	}
	s := waitTerminal(t, fx, id)

	if s.Status != store.SweepCompleted {
		t.Fatalf("status = %s (%s), want completed", s.Status, s.AbortReason)
	}
	if s.ChannelsAttempted != 3 || s.ChannelsSucceeded != 2 || s.ChannelsFailed != 1 {
		t.Fatalf("counts: attempted=%d succeeded=%d failed=%d", s.ChannelsAttempted, s.ChannelsSucceeded, s.ChannelsFailed)
	}
	if got := fx.store.SightingCount(); got != 4 {
		t.Fatalf("sightings = %d, want 4", got)
	}
	c, err := fx.store.GetCounter(context.Background(), "u2")
	if err != nil {
		t.Fatalf("u2 counter: %v", err)
	}
	if c.Distinct() != 2 {
		t.Fatalf("u2 distinct channels = %d, want 2", c.Distinct())
	}
	for login, want := range map[string]int{"u1": 1, "u3": 1} {
		c, err := fx.store.GetCounter(context.Background(), login)
		if err != nil {
			t.Fatalf("%s counter: %v", login, err)
		}
		if c.Distinct() != want {
			t.Fatalf("%s distinct = %d, want %d", login, c.Distinct(), want)
		}
	}
}

func TestSweepAllFailuresStillCompletes(t *testing.T) {
	fx := newFixture(t,
		[]string{"chan_a", "chan_b"},
		map[string][]string{}, // every fetch times out
		Config{MaxChannels: 10},
	)
	id, err := fx.cond.StartSweep(context.Background(), discovery.Filters{})
	if err != nil {
		t.Fatalf("start sweep: %v", err)
	}
	s := waitTerminal(t, fx, id)
	if s.Status != store.SweepCompleted {
		t.Fatalf("status = %s, want completed despite zero successes", s.Status)
	}
	if s.ChannelsAttempted != 2 || s.ChannelsSucceeded != 0 || s.ChannelsFailed != 2 {
		t.Fatalf("counts: attempted=%d succeeded=%d failed=%d", s.ChannelsAttempted, s.ChannelsSucceeded, s.ChannelsFailed)
	}
	if s.ChannelsAttempted != s.ChannelsSucceeded+s.ChannelsFailed {
		t.Fatal("attempted != succeeded + failed")
	}
}

func TestSweepNoChannelsAborts(t *testing.T) {
	fx := newFixture(t, nil, nil, Config{MaxChannels: 10})
	id, err := fx.cond.StartSweep(context.Background(), discovery.Filters{})
	if err != nil {
		t.Fatalf("start sweep: %v", err)
	}
	s := waitTerminal(t, fx, id)
	if s.Status != store.SweepAborted || s.AbortReason != AbortNoChannelsFound {
		t.Fatalf("status = %s (%s), want aborted/NoChannelsFound", s.Status, s.AbortReason)
	}
}

func TestAbortMidSweepDropsQueuedTasks(t *testing.T) {
	logins := make([]string, 15)
	for i := range logins {
		logins[i] = "chan_" + string(rune('a'+i))
	}
	fx := newFixture(t, logins, map[string][]string{}, Config{MaxChannels: 20})
	// Long roster timeout keeps the first pool-size tasks in flight.
	fx.cond.Pool.Config.RosterTimeout = 10 * time.Second

	id, err := fx.cond.StartSweep(context.Background(), discovery.Filters{})
	if err != nil {
		t.Fatalf("start sweep: %v", err)
	}

	// Wait until the pool has tasks in flight.
	deadline := time.Now().Add(2 * time.Second)
	for fx.sess.joinCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := fx.cond.AbortSweep(id); err != nil {
		t.Fatalf("abort sweep: %v", err)
	}
	s := waitTerminal(t, fx, id)
	if s.Status != store.SweepAborted || s.AbortReason != AbortOperator {
		t.Fatalf("status = %s (%s), want aborted/OperatorAbort", s.Status, s.AbortReason)
	}
	// Pool size is 5; the 10 queued tasks must never have attempted a join.
	if got := fx.sess.joinCount(); got > 5 {
		t.Fatalf("queued tasks attempted joins after abort: %d joins", got)
	}
	if fx.cond.ActiveCount() != 0 {
		t.Fatal("aborted sweep still tracked as active")
	}
}

func TestAbortUnknownSweep(t *testing.T) {
	fx := newFixture(t, nil, nil, Config{})
	if err := fx.cond.AbortSweep(uuid.New()); err == nil {
		t.Fatal("expected error aborting unknown sweep")
	}
}
