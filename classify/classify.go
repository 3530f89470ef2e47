// Package classify scores accounts against lurker-bot heuristics using the
// aggregated co-occurrence counters and cached profile attributes. Scoring is
// a pure function; the batch pass runs on its own schedule and never blocks
// ingestion.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/onnwee/lurkerwatch/store"
	"github.com/onnwee/lurkerwatch/telemetry"
)

// Version tags stored scores so old verdicts can be told apart after the
// weights or heuristics change.
const Version = "v1"

// Suspicion levels by concurrent-channel breadth. Twitch TOS allows an
// unapproved bot in up to 100 concurrent channels; purple and above is the
// interesting range.
const (
	LevelRed    = "red"    // 100001+ channels
	LevelOrange = "orange" // 50001 - 100k
	LevelYellow = "yellow" // 10001 - 50k
	LevelGreen  = "green"  // 1001 - 10k
	LevelBlue   = "blue"   // 101 - 1k
	LevelPurple = "purple" // 21 - 100, within TOS
	LevelGrey   = "grey"   // 11 - 20
	LevelNone   = "none"   // 0 - 10
	LevelSafe   = "safe"   // known-good bots, e.g. nightbot
)

// Level maps concurrent-channel breadth to its suspicion level.
func Level(distinctChannels int) string {
	switch {
	case distinctChannels > 100000:
		return LevelRed
	case distinctChannels > 50000:
		return LevelOrange
	case distinctChannels > 10000:
		return LevelYellow
	case distinctChannels > 1000:
		return LevelGreen
	case distinctChannels > 100:
		return LevelBlue
	case distinctChannels > 20:
		return LevelPurple
	case distinctChannels > 10:
		return LevelGrey
	default:
		return LevelNone
	}
}

// Weights tune the heuristic mix. None of the numeric values are load
// bearing for correctness; breadth is the primary signal.
type Weights struct {
	Breadth       float64 // per distinct concurrent channel
	AccountAge    float64 // max contribution for a brand-new account
	FollowRatio   float64 // max contribution for an extreme ratio
	NeverStreamed float64 // flat contribution for never-broadcasted accounts
}

// DefaultWeights keep breadth dominant for any account in more than a
// handful of channels.
func DefaultWeights() Weights {
	return Weights{Breadth: 1.0, AccountAge: 25, FollowRatio: 15, NeverStreamed: 10}
}

// DefaultMaturityCutoff is the account age past which the age heuristic
// contributes nothing.
const DefaultMaturityCutoff = 365 * 24 * time.Hour

// Score computes the suspect score for one account from a counter snapshot
// and cached profile attributes. Pure: identical inputs, including asOf,
// yield an identical score. Profile heuristics contribute only once
// enrichment has populated them.
func Score(acct store.Account, counter store.Counter, w Weights, maturityCutoff time.Duration, asOf time.Time) store.Score {
	if maturityCutoff <= 0 {
		maturityCutoff = DefaultMaturityCutoff
	}
	breakdown := make(map[string]float64, 4)

	breadth := w.Breadth * float64(counter.Distinct())
	breakdown["breadth"] = breadth

	var age float64
	if !acct.AccountCreatedAt.IsZero() {
		lived := asOf.Sub(acct.AccountCreatedAt)
		if lived < 0 {
			lived = 0
		}
		if lived < maturityCutoff {
			age = w.AccountAge * (1 - float64(lived)/float64(maturityCutoff))
		}
	}
	breakdown["account_age"] = age

	var ratio float64
	if !acct.EnrichedAt.IsZero() {
		// Extremity of follower:following on a log scale, saturating at
		// three orders of magnitude either way.
		r := float64(acct.FollowerCount+1) / float64(acct.FollowingCount+1)
		extremity := math.Abs(math.Log10(r)) / 3
		if extremity > 1 {
			extremity = 1
		}
		ratio = w.FollowRatio * extremity
	}
	breakdown["follow_ratio"] = ratio

	var never float64
	if !acct.EnrichedAt.IsZero() && !acct.HasEverStreamed {
		never = w.NeverStreamed
	}
	breakdown["never_streamed"] = never

	return store.Score{
		Login:      acct.Login,
		Score:      breadth + age + ratio + never,
		Level:      Level(counter.Distinct()),
		Breakdown:  breakdown,
		Version:    Version,
		ComputedAt: asOf,
	}
}

// Classifier runs batch scoring passes over accounts with enough sightings.
type Classifier struct {
	Store          store.Store
	Weights        Weights
	MinSightings   int // counters below this many distinct channels are noise
	MaturityCutoff time.Duration
	// SafeList holds known-good bot logins that always score safe.
	SafeList map[string]bool
}

// New builds a classifier with default weights and a minimum of 3 sightings.
func New(st store.Store) *Classifier {
	return &Classifier{Store: st, Weights: DefaultWeights(), MinSightings: 3, MaturityCutoff: DefaultMaturityCutoff}
}

// RunPass scores every account whose counter meets the sighting floor and
// replaces its stored score. Counters are read as snapshots, so concurrent
// ingestion never skews a verdict mid-computation. A per-account failure is
// logged and skipped; it never halts the batch. Returns the number of
// accounts scored.
func (c *Classifier) RunPass(ctx context.Context) (int, error) {
	asOf := time.Now().UTC()
	scored := 0
	err := c.Store.ScanCounters(ctx, c.MinSightings, func(counter store.Counter) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sc, err := c.scoreOne(ctx, counter, asOf)
		if err != nil {
			telemetry.Inc(telemetry.ClassifierErrors)
			slog.Warn("classifier skipped account", slog.String("login", counter.Login), slog.Any("err", err))
			return nil
		}
		if err := c.Store.UpsertScore(ctx, sc); err != nil {
			telemetry.Inc(telemetry.ClassifierErrors)
			slog.Warn("classifier failed to store score", slog.String("login", counter.Login), slog.Any("err", err))
			return nil
		}
		scored++
		return nil
	})
	if err != nil {
		return scored, fmt.Errorf("classifier pass: %w", err)
	}
	telemetry.Inc(telemetry.ClassifierPasses)
	slog.Info("classifier pass complete", slog.Int("scored", scored))
	return scored, nil
}

func (c *Classifier) scoreOne(ctx context.Context, counter store.Counter, asOf time.Time) (store.Score, error) {
	if c.SafeList[counter.Login] {
		return store.Score{
			Login: counter.Login, Score: 0, Level: LevelSafe,
			Breakdown: map[string]float64{}, Version: Version, ComputedAt: asOf,
		}, nil
	}
	acct, err := c.Store.GetAccount(ctx, counter.Login)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Sightings always create a stub first; a missing row is a
			// data-integrity problem, not a reason to halt the pass.
			acct = store.Account{Login: counter.Login}
		} else {
			return store.Score{}, err
		}
	}
	return Score(acct, counter, c.Weights, c.MaturityCutoff, asOf), nil
}

// Start runs RunPass on a ticker until ctx is done, independent of sweeps.
func (c *Classifier) Start(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	slog.Info("classifier started", slog.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunPass(ctx); err != nil {
				slog.Error("classifier pass failed", slog.Any("err", err))
			}
		}
	}
}
