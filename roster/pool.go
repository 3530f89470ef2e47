package roster

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/lurkerwatch/limiter"
	"github.com/onnwee/lurkerwatch/telemetry"
)

// PoolConfig bounds the fetcher pool. Pool size controls local concurrency
// and is independent of the join limiter's ceiling; both apply at once.
type PoolConfig struct {
	Size          int           // concurrent workers, default 5
	RosterTimeout time.Duration // await bound per channel, default 8s
	MaxAttempts   int           // limiter acquisitions tried per task, default 3
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = 5
	}
	if c.RosterTimeout <= 0 {
		c.RosterTimeout = 8 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Pool runs fetch tasks across a bounded set of workers, one chat session
// per worker.
type Pool struct {
	Limiter    limiter.JoinLimiter
	NewSession func(ctx context.Context) (Session, error)
	Config     PoolConfig

	depth atomic.Int64
}

// Run consumes tasks until the channel closes or ctx is cancelled, emitting
// one terminal Result per task taken. When ctx is cancelled, tasks still
// queued are dropped without a join attempt and in-flight sessions are torn
// down. Run itself only fails on worker bookkeeping, never on task outcomes.
func (p *Pool) Run(ctx context.Context, tasks <-chan Task, results chan<- Result) error {
	cfg := p.Config.withDefaults()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Size; i++ {
		worker := i
		g.Go(func() error {
			sess, err := p.NewSession(gctx)
			if err != nil {
				// The worker stays up to fail its share of tasks instead of
				// stalling the sweep on a dead connection.
				slog.Error("fetch worker session unavailable", slog.Int("worker", worker), slog.Any("err", err), slog.String("component", "roster"))
				p.drainFailing(gctx, tasks, results, err)
				return nil
			}
			defer func() {
				if err := sess.Close(); err != nil {
					slog.Warn("session close", slog.Int("worker", worker), slog.Any("err", err))
				}
			}()
			for {
				select {
				case <-gctx.Done():
					return nil
				case t, ok := <-tasks:
					if !ok {
						return nil
					}
					p.depth.Add(1)
					telemetry.SetFetchQueueDepth(int(p.depth.Load()))
					res := p.fetchOne(gctx, sess, cfg, t)
					p.depth.Add(-1)
					telemetry.SetFetchQueueDepth(int(p.depth.Load()))
					select {
					case results <- res:
					case <-gctx.Done():
						return nil
					}
				}
			}
		})
	}
	return g.Wait()
}

// drainFailing terminates tasks for a worker with no usable session.
func (p *Pool) drainFailing(ctx context.Context, tasks <-chan Task, results chan<- Result, cause error) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tasks:
			if !ok {
				return
			}
			res := Result{Task: t, State: StateFailed, Reason: ReasonJoinFailed, Err: cause, FetchedAt: time.Now().UTC()}
			telemetry.CountFetchFailure(string(ReasonJoinFailed))
			select {
			case results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fetchOne walks a single task through the fetch state machine. The session
// is parted on every terminal transition, success or failure.
func (p *Pool) fetchOne(ctx context.Context, sess Session, cfg PoolConfig, t Task) (res Result) {
	started := time.Now().UTC()
	res = Result{Task: t, State: StateQueued, FetchedAt: started}
	defer func() {
		res.Duration = time.Since(started)
		switch res.State {
		case StateDone:
			telemetry.Inc(telemetry.FetchesSucceeded)
			telemetry.Observe(telemetry.FetchDuration, res.Duration.Seconds())
		case StateFailed:
			telemetry.CountFetchFailure(string(res.Reason))
		}
	}()

	// A join slot must be held before the join attempt is issued.
	res.State = StateJoining
	var acquireErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		acquireErr = p.Limiter.Acquire(ctx, 1)
		if acquireErr == nil || !errors.Is(acquireErr, limiter.ErrUnavailable) {
			break
		}
		slog.Warn("join limiter unavailable, retrying",
			slog.String("channel", t.ChannelLogin), slog.Int("attempt", attempt+1), slog.Any("err", acquireErr))
	}
	if acquireErr != nil {
		if ctx.Err() != nil {
			return failed(res, ReasonAborted, ctx.Err())
		}
		return failed(res, ReasonLimiterUnavailable, acquireErr)
	}
	if ctx.Err() != nil {
		return failed(res, ReasonAborted, ctx.Err())
	}

	if err := sess.Join(t.ChannelLogin); err != nil {
		return failed(res, ReasonJoinFailed, err)
	}
	defer sess.Part(t.ChannelLogin)

	res.State = StateAwaitingRoster
	raw, err := sess.Await(ctx, t.ChannelLogin, cfg.RosterTimeout)
	if err != nil {
		if errors.Is(err, ErrRosterTimeout) {
			return failed(res, ReasonRosterTimeout, err)
		}
		return failed(res, ReasonAborted, err)
	}

	res.State = StateParsing
	logins, err := ParseRoster(raw)
	if err != nil {
		return failed(res, ReasonRosterParseError, err)
	}

	res.State = StateDone
	res.Logins = logins
	return res
}

func failed(res Result, reason FailReason, err error) Result {
	res.State = StateFailed
	res.Reason = reason
	res.Err = err
	return res
}
