package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/lurkerwatch/store"
)

// openTestDB connects and migrates, skipping when TEST_PG_DSN is unset.
// Defined here rather than via testutil to avoid an import cycle.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(dbx); err != nil {
		dbx.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { dbx.Close() })
	return dbx
}

func TestMigrateIdempotent(t *testing.T) {
	dbx := openTestDB(t)
	if err := Migrate(dbx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSweepRoundTrip(t *testing.T) {
	dbx := openTestDB(t)
	st := NewStore(dbx)
	ctx := context.Background()

	sw := store.Sweep{
		ID:            uuid.New(),
		Status:        store.SweepPending,
		CategoryID:    "509658",
		Language:      "en",
		MinViewers:    100,
		JitterApplied: 37 * time.Second,
		StartedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := st.CreateSweep(ctx, sw); err != nil {
		t.Fatalf("create: %v", err)
	}
	sw.Status = store.SweepCompleted
	sw.ChannelsAttempted = 3
	sw.ChannelsSucceeded = 2
	sw.ChannelsFailed = 1
	sw.EndedAt = time.Now().UTC().Truncate(time.Millisecond)
	if err := st.UpdateSweep(ctx, sw); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.GetSweep(ctx, sw.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.SweepCompleted || got.ChannelsAttempted != 3 || got.JitterApplied != 37*time.Second {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if err := st.UpdateSweep(ctx, store.Sweep{ID: uuid.New()}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update of unknown sweep: %v", err)
	}
}

func TestInsertSightingsIdempotentAndConflicts(t *testing.T) {
	dbx := openTestDB(t)
	st := NewStore(dbx)
	ctx := context.Background()

	sweepID := uuid.New()
	if err := st.CreateSweep(ctx, store.Sweep{ID: sweepID, Status: store.SweepFetching, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create sweep: %v", err)
	}
	observed := time.Now().UTC().Truncate(time.Millisecond)
	logins := []string{uuid.NewString()[:8] + "_a", uuid.NewString()[:8] + "_b"}

	created, conflicts, err := st.InsertSightings(ctx, sweepID, "chan_x", logins, observed, observed, observed.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(created) != 2 || len(conflicts) != 0 {
		t.Fatalf("created=%v conflicts=%v", created, conflicts)
	}

	created, conflicts, err = st.InsertSightings(ctx, sweepID, "chan_x", logins, observed, observed, observed.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if len(created) != 0 || len(conflicts) != 0 {
		t.Fatalf("re-insert should be a clean no-op: created=%v conflicts=%v", created, conflicts)
	}

	_, conflicts, err = st.InsertSightings(ctx, sweepID, "chan_x", logins[:1], observed.Add(time.Minute), observed, observed)
	if err != nil {
		t.Fatalf("divergent insert: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("divergent payload not reported: %v", conflicts)
	}

	if _, _, err := st.InsertSightings(ctx, uuid.New(), "chan_x", logins, observed, observed, observed); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown sweep: %v", err)
	}
}

func TestAccountsAndStaleListing(t *testing.T) {
	dbx := openTestDB(t)
	st := NewStore(dbx)
	ctx := context.Background()

	login := "stale_" + uuid.NewString()[:8]
	seen := time.Now().UTC().Truncate(time.Millisecond)
	if err := st.EnsureAccounts(ctx, []string{login}, seen); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	a, err := st.GetAccount(ctx, login)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !a.EnrichedAt.IsZero() {
		t.Fatalf("fresh stub should be un-enriched: %+v", a)
	}

	// Earlier sighting must not move first_sighting forward.
	if err := st.EnsureAccounts(ctx, []string{login}, seen.Add(time.Hour)); err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	a, _ = st.GetAccount(ctx, login)
	if !a.FirstSighting.Equal(seen) {
		t.Fatalf("first sighting moved: %v vs %v", a.FirstSighting, seen)
	}
	if !a.MostRecentSighting.Equal(seen.Add(time.Hour)) {
		t.Fatalf("most recent not advanced: %v", a.MostRecentSighting)
	}

	stale, err := st.ListStaleAccounts(ctx, time.Now().UTC(), 1000)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	found := false
	for _, l := range stale {
		if l == login {
			found = true
		}
	}
	if !found {
		t.Fatal("un-enriched account missing from stale list")
	}

	a.EnrichedAt = time.Now().UTC()
	a.FollowerCount = 240
	if err := st.UpsertAccount(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ := st.GetAccount(ctx, login)
	if got.FollowerCount != 240 || got.EnrichedAt.IsZero() {
		t.Fatalf("upsert round trip: %+v", got)
	}
}

func TestCountersRoundTrip(t *testing.T) {
	dbx := openTestDB(t)
	st := NewStore(dbx)
	ctx := context.Background()

	login := "counter_" + uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := store.Counter{Login: login, Channels: map[string]time.Time{"chan_a": now, "chan_b": now.Add(-48 * time.Hour)}, UpdatedAt: now}
	if err := st.UpsertCounter(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := st.GetCounter(ctx, login)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Distinct() != 2 {
		t.Fatalf("distinct = %d, want 2", got.Distinct())
	}

	if err := st.DeleteCounterChannels(ctx, login, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	got, _ = st.GetCounter(ctx, login)
	if got.Distinct() != 1 {
		t.Fatalf("prune left %d channels", got.Distinct())
	}

	seen := false
	err = st.ScanCounters(ctx, 1, func(c store.Counter) error {
		if c.Login == login {
			seen = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !seen {
		t.Fatal("counter missing from scan")
	}
}

func TestScoresAndHistory(t *testing.T) {
	dbx := openTestDB(t)
	st := NewStore(dbx)
	ctx := context.Background()

	login := "score_" + uuid.NewString()[:8]
	sc := store.Score{
		Login: login, Score: 42.5, Level: "purple",
		Breakdown: map[string]float64{"breadth": 42, "account_age": 0.5},
		Version:   "v1", ComputedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := st.UpsertScore(ctx, sc); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	sc.Score = 55
	sc.Level = "blue"
	if err := st.UpsertScore(ctx, sc); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := st.GetScore(ctx, login)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Score != 55 || got.Breakdown["breadth"] != 42 {
		t.Fatalf("current score: %+v", got)
	}

	var historyRows int
	if err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM suspect_score_history WHERE login=$1`, login).Scan(&historyRows); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if historyRows != 2 {
		t.Fatalf("history rows = %d, want 2", historyRows)
	}

	scores, err := st.ListScores(ctx, 50, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, s := range scores {
		if s.Login == login {
			found = true
		}
	}
	if !found {
		t.Fatal("score missing from listing")
	}
}

func TestKVRoundTrip(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	key := "test_" + uuid.NewString()[:8]
	if err := SetKV(ctx, dbx, key, "42"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, at, err := GetKV(ctx, dbx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "42" || at.IsZero() {
		t.Fatalf("got %q at %v", v, at)
	}
	if v, _, err := GetKV(ctx, dbx, "missing_"+key); err != nil || v != "" {
		t.Fatalf("missing key: %q %v", v, err)
	}
}
