// Package store defines the persisted record types for the scanning pipeline
// (sweeps, viewer sightings, accounts, co-occurrence counters, suspect scores)
// and the Store interface the core components depend on. Two implementations
// exist: db.Store (Postgres) and Memory (in-process, used by tests).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by point reads when no record exists for the key.
var ErrNotFound = errors.New("store: not found")

// SweepStatus is the lifecycle state of a sweep.
type SweepStatus string

const (
	SweepPending         SweepStatus = "pending"
	SweepDiscovering     SweepStatus = "discovering"
	SweepFetching        SweepStatus = "fetching"
	SweepAggregatingTail SweepStatus = "aggregating_tail"
	SweepCompleted       SweepStatus = "completed"
	SweepAborted         SweepStatus = "aborted"
)

// Terminal reports whether the status is a terminal state.
func (s SweepStatus) Terminal() bool {
	return s == SweepCompleted || s == SweepAborted
}

// Sweep is one discovery-and-fetch cycle over a channel set. Immutable once
// terminal except for the final status write.
type Sweep struct {
	ID            uuid.UUID
	Status        SweepStatus
	CategoryID    string
	Language      string
	MinViewers    int
	JitterApplied time.Duration
	StartedAt     time.Time
	EndedAt       time.Time // zero until terminal

	ChannelsAttempted int
	ChannelsSucceeded int
	ChannelsFailed    int

	// Operational metrics carried on the sweep row.
	AbortReason     string
	ErrorCount      int
	SuspectsSpotted int
	AvgFetchSeconds float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sighting is one (account, channel, sweep) observation derived from a
// roster. Unique per key; never mutated after creation.
type Sighting struct {
	Login       string
	ChannelID   string
	SweepID     uuid.UUID
	ObservedAt  time.Time
	WindowStart time.Time
	WindowEnd   time.Time
}

// Account is a Twitch account spotted during at least one sweep. Profile
// attributes are filled opportunistically by the enricher; a zero EnrichedAt
// means the account has never been enriched.
type Account struct {
	Login            string
	TwitchAccountID  int64
	AccountCreatedAt time.Time
	BroadcasterType  string
	FollowerCount    int
	FollowingCount   int
	HasEverStreamed  bool
	BannedOrDeleted  bool

	FirstSighting      time.Time
	MostRecentSighting time.Time
	EnrichedAt         time.Time
}

// Counter is an account's trailing-window co-occurrence state: the set of
// distinct channels it was sighted in, with the last-seen time per channel.
// Counters are a cache; sightings are the source of truth.
type Counter struct {
	Login     string
	Channels  map[string]time.Time
	UpdatedAt time.Time
}

// Distinct returns the number of distinct channels currently in the window.
func (c Counter) Distinct() int { return len(c.Channels) }

// Clone returns a deep copy so readers never observe a live-mutating map.
func (c Counter) Clone() Counter {
	out := Counter{Login: c.Login, UpdatedAt: c.UpdatedAt, Channels: make(map[string]time.Time, len(c.Channels))}
	for ch, t := range c.Channels {
		out.Channels[ch] = t
	}
	return out
}

// Score is the classifier's verdict for one account. The current score is
// replaced wholesale each pass; history rows are append-only.
type Score struct {
	Login      string
	Score      float64
	Level      string
	Breakdown  map[string]float64
	Version    string
	ComputedAt time.Time
}

// Store is the persistence boundary for the core pipeline. Implementations
// must make InsertSightings atomic per call (all-or-nothing per roster) and
// must return copies from point reads, never internal references.
type Store interface {
	CreateSweep(ctx context.Context, s Sweep) error
	UpdateSweep(ctx context.Context, s Sweep) error
	GetSweep(ctx context.Context, id uuid.UUID) (Sweep, error)
	ListSweeps(ctx context.Context, limit int) ([]Sweep, error)

	// InsertSightings records one fetched roster atomically. It returns the
	// logins newly recorded for this (channel, sweep), and the logins that
	// already existed under the same key with a divergent observation time
	// (first write wins; callers log these as integrity warnings).
	InsertSightings(ctx context.Context, sweepID uuid.UUID, channelID string, logins []string, observedAt, windowStart, windowEnd time.Time) (created, conflicts []string, err error)

	// EnsureAccounts creates stub rows for unknown logins and advances
	// sighting timestamps for known ones. Never deletes or un-enriches.
	EnsureAccounts(ctx context.Context, logins []string, seenAt time.Time) error
	GetAccount(ctx context.Context, login string) (Account, error)
	UpsertAccount(ctx context.Context, a Account) error
	// ListStaleAccounts returns logins never enriched or last enriched
	// before the cutoff, oldest first, capped at limit.
	ListStaleAccounts(ctx context.Context, enrichedBefore time.Time, limit int) ([]string, error)

	GetCounter(ctx context.Context, login string) (Counter, error)
	UpsertCounter(ctx context.Context, c Counter) error
	// ScanCounters invokes fn with a snapshot of every counter holding at
	// least minChannels distinct channels. fn errors stop the scan.
	ScanCounters(ctx context.Context, minChannels int, fn func(Counter) error) error
	DeleteCounterChannels(ctx context.Context, login string, before time.Time) error

	// UpsertScore replaces the account's current score and appends to the
	// score history log.
	UpsertScore(ctx context.Context, sc Score) error
	GetScore(ctx context.Context, login string) (Score, error)
	ListScores(ctx context.Context, minScore float64, limit int) ([]Score, error)
}
