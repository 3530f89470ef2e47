// Package scan orchestrates sweeps end to end: discovery, fetch task
// dispatch through the roster pool, and streaming completed rosters into the
// aggregator. It owns the sweep lifecycle and exposes start/abort/status.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/lurkerwatch/aggregate"
	"github.com/onnwee/lurkerwatch/discovery"
	"github.com/onnwee/lurkerwatch/roster"
	"github.com/onnwee/lurkerwatch/store"
	"github.com/onnwee/lurkerwatch/telemetry"
)

// Abort reasons surfaced on the sweep row.
const (
	AbortNoChannelsFound = "NoChannelsFound"
	AbortDiscoveryFailed = "DiscoveryFailed"
	AbortOperator        = "OperatorAbort"
	AbortShutdown        = "Shutdown"
)

// ErrSweepNotActive is returned when aborting a sweep that is not in flight.
var ErrSweepNotActive = errors.New("sweep is not active")

// suspectFloor is the breadth from which a sighted account counts as a
// suspect in the sweep's spotted tally (purple and above).
const suspectFloor = 21

// Config tunes sweep scheduling and default discovery filters.
type Config struct {
	CategoryID  string
	Language    string
	MinViewers  int
	MaxChannels int
	JitterMax   time.Duration // randomized delay before a sweep begins
	Interval    time.Duration // scheduler cadence, 0 disables
}

// Conductor runs sweeps. One conductor instance runs any number of sweeps,
// each with its own cancellable context derived from the base context given
// to Run.
type Conductor struct {
	Store     store.Store
	Discovery *discovery.Service
	Pool      *roster.Pool
	Agg       *aggregate.Aggregator
	Config    Config

	mu      sync.Mutex
	baseCtx context.Context
	active  map[uuid.UUID]*activeSweep
}

type activeSweep struct {
	cancel context.CancelFunc
	reason string // first abort reason wins
}

// New builds a conductor. Run must be called before sweeps can start.
func New(st store.Store, disc *discovery.Service, pool *roster.Pool, agg *aggregate.Aggregator, cfg Config) *Conductor {
	return &Conductor{Store: st, Discovery: disc, Pool: pool, Agg: agg, Config: cfg, active: make(map[uuid.UUID]*activeSweep)}
}

// Run anchors sweep contexts to ctx and, when an interval is configured,
// schedules sweeps on a ticker. Blocks until ctx is done.
func (c *Conductor) Run(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	if c.Config.Interval <= 0 {
		slog.Info("sweep scheduler disabled, sweeps start on demand only")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.Config.Interval)
	defer ticker.Stop()
	slog.Info("sweep scheduler started", slog.Duration("interval", c.Config.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.ActiveCount() > 0 {
				slog.Warn("skipping scheduled sweep, previous sweep still running")
				continue
			}
			if _, err := c.StartSweep(ctx, c.defaultFilters()); err != nil {
				slog.Error("scheduled sweep failed to start", slog.Any("err", err))
			}
		}
	}
}

func (c *Conductor) defaultFilters() discovery.Filters {
	return discovery.Filters{
		CategoryID:  c.Config.CategoryID,
		Language:    c.Config.Language,
		MinViewers:  c.Config.MinViewers,
		MaxChannels: c.Config.MaxChannels,
	}
}

// ActiveCount reports sweeps currently in a non-terminal state.
func (c *Conductor) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// StartSweep creates a pending sweep and runs it asynchronously. Zero-valued
// filters fall back to the configured defaults per field.
func (c *Conductor) StartSweep(ctx context.Context, f discovery.Filters) (uuid.UUID, error) {
	c.mu.Lock()
	base := c.baseCtx
	c.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if f.MaxChannels <= 0 {
		f.MaxChannels = c.Config.MaxChannels
	}

	jitter := time.Duration(0)
	if c.Config.JitterMax > 0 {
		jitter = rand.N(c.Config.JitterMax)
	}
	now := time.Now().UTC()
	sweep := store.Sweep{
		ID:            uuid.New(),
		Status:        store.SweepPending,
		CategoryID:    f.CategoryID,
		Language:      f.Language,
		MinViewers:    f.MinViewers,
		JitterApplied: jitter,
		StartedAt:     now,
		CreatedAt:     now,
	}
	if err := c.Store.CreateSweep(ctx, sweep); err != nil {
		return uuid.Nil, fmt.Errorf("create sweep: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(base)
	c.mu.Lock()
	c.active[sweep.ID] = &activeSweep{cancel: cancel}
	c.mu.Unlock()

	telemetry.Inc(telemetry.SweepsStarted)
	telemetry.AddActiveSweeps(1)
	slog.Info("sweep starting", slog.String("sweep_id", sweep.ID.String()), slog.Duration("jitter", jitter))

	go c.runSweep(sweepCtx, sweep, f, jitter)
	return sweep.ID, nil
}

// AbortSweep cancels an in-flight sweep. Queued fetch tasks are dropped
// before any join attempt; in-flight sessions are torn down best-effort.
func (c *Conductor) AbortSweep(id uuid.UUID) error {
	c.mu.Lock()
	h, ok := c.active[id]
	if ok && h.reason == "" {
		h.reason = AbortOperator
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSweepNotActive, id)
	}
	h.cancel()
	return nil
}

// SweepStatus returns the sweep row, which always carries attempted,
// succeeded and failed channel counts.
func (c *Conductor) SweepStatus(ctx context.Context, id uuid.UUID) (store.Sweep, error) {
	return c.Store.GetSweep(ctx, id)
}

// abortReason resolves why a cancelled sweep stopped.
func (c *Conductor) abortReason(ctx context.Context, id uuid.UUID, fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.active[id]; ok && h.reason != "" {
		return h.reason
	}
	if c.baseCtx != nil && c.baseCtx.Err() != nil {
		return AbortShutdown
	}
	return fallback
}

func (c *Conductor) release(id uuid.UUID) {
	c.mu.Lock()
	if h, ok := c.active[id]; ok {
		h.cancel()
		delete(c.active, id)
	}
	c.mu.Unlock()
	telemetry.AddActiveSweeps(-1)
}

// runSweep drives one sweep through its state machine. Per-channel failures
// are counted, never fatal; only empty or failed discovery aborts.
func (c *Conductor) runSweep(ctx context.Context, sweep store.Sweep, f discovery.Filters, jitter time.Duration) {
	defer c.release(sweep.ID)
	started := time.Now()
	defer func() {
		telemetry.Observe(telemetry.SweepDuration, time.Since(started).Seconds())
	}()

	if jitter > 0 {
		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.finalizeAborted(&sweep, c.abortReason(ctx, sweep.ID, AbortShutdown))
			return
		case <-timer.C:
		}
	}

	sweep.Status = store.SweepDiscovering
	c.persist(&sweep)

	channels, derr := c.Discovery.ListLiveChannels(ctx, f)
	if derr != nil {
		sweep.ErrorCount++
		if len(channels) == 0 {
			reason := AbortDiscoveryFailed
			if ctx.Err() != nil {
				reason = c.abortReason(ctx, sweep.ID, AbortShutdown)
			}
			c.finalizeAborted(&sweep, reason)
			return
		}
		slog.Warn("discovery degraded, sweeping partial channel set",
			slog.String("sweep_id", sweep.ID.String()), slog.Int("channels", len(channels)), slog.Any("err", derr))
	}
	if len(channels) == 0 {
		c.finalizeAborted(&sweep, AbortNoChannelsFound)
		return
	}

	sweep.Status = store.SweepFetching
	c.persist(&sweep)

	outcome := c.fetchAndIngest(ctx, &sweep, channels)
	if ctx.Err() != nil {
		c.finalizeAborted(&sweep, c.abortReason(ctx, sweep.ID, AbortShutdown))
		return
	}

	sweep.Status = store.SweepAggregatingTail
	c.persist(&sweep)
	c.countSuspects(&sweep, outcome.sighted)

	sweep.Status = store.SweepCompleted
	sweep.EndedAt = time.Now().UTC()
	c.persist(&sweep)
	telemetry.Inc(telemetry.SweepsCompleted)
	slog.Info("sweep completed",
		slog.String("sweep_id", sweep.ID.String()),
		slog.Int("attempted", sweep.ChannelsAttempted),
		slog.Int("succeeded", sweep.ChannelsSucceeded),
		slog.Int("failed", sweep.ChannelsFailed),
		slog.Int("suspects_spotted", sweep.SuspectsSpotted))
}

type sweepOutcome struct {
	sighted map[string]struct{}
}

// fetchAndIngest dispatches one task per channel and streams each completed
// roster into the aggregator as its result arrives. Counts are updated on
// the sweep row as results come in, so an abort leaves accurate tallies.
func (c *Conductor) fetchAndIngest(ctx context.Context, sweep *store.Sweep, channels []discovery.Channel) sweepOutcome {
	tasks := make(chan roster.Task, len(channels))
	for _, ch := range channels {
		tasks <- roster.Task{ChannelID: ch.ID, ChannelLogin: ch.Login}
	}
	close(tasks)
	results := make(chan roster.Result, len(channels))

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := c.Pool.Run(ctx, tasks, results); err != nil {
			slog.Error("fetch pool error", slog.String("sweep_id", sweep.ID.String()), slog.Any("err", err))
		}
	}()

	outcome := sweepOutcome{sighted: make(map[string]struct{})}
	var fetchSecondsTotal float64
	terminal := 0
	handle := func(res roster.Result) {
		terminal++
		sweep.ChannelsAttempted++
		fetchSecondsTotal += res.Duration.Seconds()
		switch res.State {
		case roster.StateDone:
			if err := c.Agg.Ingest(ctx, res.Task.ChannelID, sweep.ID, res.Logins, res.FetchedAt); err != nil {
				sweep.ChannelsFailed++
				sweep.ErrorCount++
				slog.Error("roster ingestion failed",
					slog.String("sweep_id", sweep.ID.String()), slog.String("channel", res.Task.ChannelLogin), slog.Any("err", err))
				return
			}
			sweep.ChannelsSucceeded++
			for _, login := range res.Logins {
				outcome.sighted[login] = struct{}{}
			}
		default:
			sweep.ChannelsFailed++
			sweep.ErrorCount++
			slog.Debug("channel fetch failed",
				slog.String("sweep_id", sweep.ID.String()), slog.String("channel", res.Task.ChannelLogin),
				slog.String("reason", string(res.Reason)), slog.Any("err", res.Err))
		}
	}

collect:
	for terminal < len(channels) {
		select {
		case res := <-results:
			handle(res)
		case <-poolDone:
			// Pool exited early (abort); take what is already buffered.
			for {
				select {
				case res := <-results:
					handle(res)
				default:
					break collect
				}
			}
		}
	}
	if sweep.ChannelsAttempted > 0 {
		sweep.AvgFetchSeconds = fetchSecondsTotal / float64(sweep.ChannelsAttempted)
	}
	c.persist(sweep)
	return outcome
}

// countSuspects tallies accounts sighted this sweep whose breadth already
// sits in the suspect bands.
func (c *Conductor) countSuspects(sweep *store.Sweep, sighted map[string]struct{}) {
	if len(sighted) == 0 {
		return
	}
	spotted := 0
	err := c.Store.ScanCounters(context.Background(), suspectFloor, func(counter store.Counter) error {
		if _, ok := sighted[counter.Login]; ok {
			spotted++
		}
		return nil
	})
	if err != nil {
		slog.Warn("suspect tally failed", slog.String("sweep_id", sweep.ID.String()), slog.Any("err", err))
		return
	}
	sweep.SuspectsSpotted = spotted
}

func (c *Conductor) finalizeAborted(sweep *store.Sweep, reason string) {
	sweep.Status = store.SweepAborted
	sweep.AbortReason = reason
	sweep.EndedAt = time.Now().UTC()
	c.persist(sweep)
	telemetry.Inc(telemetry.SweepsAborted)
	slog.Warn("sweep aborted", slog.String("sweep_id", sweep.ID.String()), slog.String("reason", reason))
}

// persist writes sweep progress with a context independent of the sweep's
// own, so terminal states survive cancellation.
func (c *Conductor) persist(sweep *store.Sweep) {
	sweep.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Store.UpdateSweep(ctx, *sweep); err != nil {
		slog.Error("failed to persist sweep state",
			slog.String("sweep_id", sweep.ID.String()), slog.String("status", string(sweep.Status)), slog.Any("err", err))
	}
}
