// Package limiter enforces the global ceiling on channel-join operations.
// Twitch allows an unapproved bot at most 20 joins per rolling 10 second
// window; exceeding it risks throttling or suspension of the whole crawler
// identity, so every fetcher worker (and, when workers span processes,
// every process) must share one counter. The counter store is pluggable:
// MemoryStore for a single process, RedisStore for a shared deployment.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/lurkerwatch/telemetry"
)

// ErrUnavailable reports that the shared counter store could not be reached.
// Callers must fail the join attempt rather than proceed unthrottled.
var ErrUnavailable = errors.New("join limiter unavailable")

// CounterStore atomically reserves n join slots under the ceiling.
// TryReserve returns false (no error) when the window is full.
type CounterStore interface {
	TryReserve(ctx context.Context, n int) (bool, error)
}

// JoinLimiter is the interface fetcher workers block on before a join.
type JoinLimiter interface {
	// Acquire blocks until n slots are reserved, the context is done, or
	// the store becomes unreachable (ErrUnavailable). Slots expire by
	// time; there is no release.
	Acquire(ctx context.Context, n int) error
}

// Config tunes the limiter. Zero values take the documented defaults.
type Config struct {
	Ceiling   int           // max joins per window, default 20
	Window    time.Duration // rolling window, default 10s
	PollEvery time.Duration // head-waiter retry cadence, default 50ms
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= 0 {
		c.Ceiling = 20
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 50 * time.Millisecond
	}
	return c
}

type waiter struct {
	ctx  context.Context
	n    int
	done chan error
}

// Limiter grants join slots in FIFO order of Acquire calls. A single
// dispatcher goroutine services waiters one at a time: the head waiter polls
// the store until its reservation fits, so later callers cannot jump the
// queue and worst-case wait stays bounded by slot expiry.
type Limiter struct {
	store    CounterStore
	cfg      Config
	requests chan *waiter
}

// New starts a limiter whose dispatcher runs until ctx is canceled.
func New(ctx context.Context, store CounterStore, cfg Config) *Limiter {
	l := &Limiter{
		store:    store,
		cfg:      cfg.withDefaults(),
		requests: make(chan *waiter),
	}
	go l.dispatch(ctx)
	return l
}

// Acquire implements JoinLimiter.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > l.cfg.Ceiling {
		return fmt.Errorf("acquire %d exceeds ceiling %d", n, l.cfg.Ceiling)
	}
	w := &waiter{ctx: ctx, n: n, done: make(chan error, 1)}
	start := time.Now()
	select {
	case l.requests <- w:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-w.done:
		if err == nil {
			telemetry.ObserveJoinWait(time.Since(start))
		}
		return err
	case <-ctx.Done():
		// The dispatcher notices the dead context on its next poll and
		// moves on; the buffered done channel means it never blocks.
		return ctx.Err()
	}
}

func (l *Limiter) dispatch(ctx context.Context) {
	for {
		var w *waiter
		select {
		case <-ctx.Done():
			return
		case w = <-l.requests:
		}
		l.serve(ctx, w)
	}
}

// serve polls the store on behalf of the head waiter until its slots fit.
func (l *Limiter) serve(ctx context.Context, w *waiter) {
	for {
		if err := w.ctx.Err(); err != nil {
			w.done <- err
			return
		}
		ok, err := l.store.TryReserve(w.ctx, w.n)
		if err != nil {
			slog.Warn("join limiter store error", slog.Any("err", err), slog.String("component", "limiter"))
			w.done <- fmt.Errorf("%w: %v", ErrUnavailable, err)
			return
		}
		if ok {
			telemetry.CountJoinsGranted(w.n)
			w.done <- nil
			return
		}
		select {
		case <-ctx.Done():
			w.done <- ctx.Err()
			return
		case <-w.ctx.Done():
			w.done <- w.ctx.Err()
			return
		case <-time.After(l.cfg.PollEvery):
		}
	}
}

var _ JoinLimiter = (*Limiter)(nil)
