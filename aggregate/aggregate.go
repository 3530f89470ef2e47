// Package aggregate merges fetched rosters into durable viewer sightings and
// keeps the per-account co-occurrence counters current. Ingest is the sole
// write path into sighting and counter state.
package aggregate

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/lurkerwatch/store"
	"github.com/onnwee/lurkerwatch/telemetry"
)

// counterShards bounds lock granularity for per-account counter updates.
// Two ingests race on a counter only when their logins share a shard.
const counterShards = 64

// Aggregator persists rosters as sightings and folds them into trailing
// window co-occurrence counters.
type Aggregator struct {
	Store store.Store
	// Window is the trailing duration a channel stays in an account's
	// counter after its last sighting there.
	Window time.Duration
	// Resolution is the assumed presence granularity of one roster
	// observation, used for the sighting's estimated window bounds.
	Resolution time.Duration

	shards [counterShards]sync.Mutex
}

// New builds an aggregator with a 24h window and 15m presence resolution
// unless overridden.
func New(st store.Store, window time.Duration) *Aggregator {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Aggregator{Store: st, Window: window, Resolution: 15 * time.Minute}
}

func (a *Aggregator) shard(login string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(login)) //nolint:errcheck
	return &a.shards[h.Sum32()%counterShards]
}

// Ingest records one fetched roster. Account stubs are created for unknown
// logins, sightings are written atomically per roster, and only sightings
// that were actually created advance the co-occurrence counters, so a
// re-ingest of the same roster never double-counts. A key re-ingested with a
// divergent observation time keeps the first write and logs the conflict.
func (a *Aggregator) Ingest(ctx context.Context, channelID string, sweepID uuid.UUID, logins []string, observedAt time.Time) error {
	if len(logins) == 0 {
		return nil
	}
	started := time.Now()
	defer func() {
		telemetry.Observe(telemetry.IngestDuration, time.Since(started).Seconds())
	}()

	if err := a.Store.EnsureAccounts(ctx, logins, observedAt); err != nil {
		return fmt.Errorf("ensure accounts: %w", err)
	}

	windowStart := observedAt
	windowEnd := observedAt.Add(a.Resolution)
	created, conflicts, err := a.Store.InsertSightings(ctx, sweepID, channelID, logins, observedAt, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("insert sightings: %w", err)
	}
	for _, login := range conflicts {
		telemetry.Inc(telemetry.IngestConflicts)
		slog.Warn("ingestion conflict: sighting key re-ingested with divergent payload, keeping first write",
			slog.String("login", login), slog.String("channel_id", channelID), slog.String("sweep_id", sweepID.String()))
	}
	telemetry.Add(telemetry.SightingsCreated, len(created))
	telemetry.Add(telemetry.SightingsDuped, len(logins)-len(created)-len(conflicts))

	for _, login := range created {
		if err := a.applySighting(ctx, login, channelID, observedAt); err != nil {
			return fmt.Errorf("update counter for %s: %w", login, err)
		}
	}
	return nil
}

// applySighting folds one new sighting into the account's counter under its
// shard lock, pruning entries that fell out of the trailing window.
func (a *Aggregator) applySighting(ctx context.Context, login, channelID string, observedAt time.Time) error {
	mu := a.shard(login)
	mu.Lock()
	defer mu.Unlock()

	c, err := a.Store.GetCounter(ctx, login)
	if err != nil {
		if err != store.ErrNotFound {
			return err
		}
		c = store.Counter{Login: login, Channels: make(map[string]time.Time)}
	}
	if last, ok := c.Channels[channelID]; !ok || observedAt.After(last) {
		c.Channels[channelID] = observedAt
	}
	cutoff := observedAt.Add(-a.Window)
	for ch, last := range c.Channels {
		if last.Before(cutoff) {
			delete(c.Channels, ch)
		}
	}
	c.UpdatedAt = observedAt
	return a.Store.UpsertCounter(ctx, c)
}

// Compact prunes counter entries older than the trailing window for accounts
// that have gone idle, since pruning otherwise happens only on write.
func (a *Aggregator) Compact(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-a.Window)
	var stale []string
	err := a.Store.ScanCounters(ctx, 1, func(c store.Counter) error {
		for _, last := range c.Channels {
			if last.Before(cutoff) {
				stale = append(stale, c.Login)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan counters: %w", err)
	}
	for _, login := range stale {
		mu := a.shard(login)
		mu.Lock()
		err := a.Store.DeleteCounterChannels(ctx, login, cutoff)
		mu.Unlock()
		if err != nil {
			return fmt.Errorf("compact %s: %w", login, err)
		}
	}
	if len(stale) > 0 {
		slog.Debug("compacted co-occurrence counters", slog.Int("accounts", len(stale)))
	}
	return nil
}

// StartCompaction runs Compact on a ticker until ctx is done.
func (a *Aggregator) StartCompaction(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	slog.Info("counter compaction started", slog.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Compact(ctx, time.Now().UTC()); err != nil {
				slog.Error("counter compaction failed", slog.Any("err", err))
			}
		}
	}
}
