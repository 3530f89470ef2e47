// Package enrich refreshes cached account profiles from Helix. It batches
// stale accounts through Get Users and, for accounts the classifier has
// flagged, fills in follower totals and broadcast history. Enrichment only
// refreshes fields; it never deletes an account.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/lurkerwatch/classify"
	"github.com/onnwee/lurkerwatch/store"
	"github.com/onnwee/lurkerwatch/telemetry"
	"github.com/onnwee/lurkerwatch/twitchapi"
)

// batchSize matches the Helix Get Users cap.
const batchSize = 100

// Enricher fills in profile attributes for sighted accounts.
type Enricher struct {
	Store store.Store
	Helix *twitchapi.HelixClient
	// StaleAfter is how long an enrichment result stays fresh.
	StaleAfter time.Duration
	// DeepEnrichMinLevel gates the extra per-account Helix calls (followers,
	// videos) to accounts at or above this suspicion level's breadth band.
	DeepEnrichMinChannels int
}

// New builds an enricher with a one week staleness window. Deep enrichment
// defaults to purple and above, the range worth the extra API calls.
func New(st store.Store, helix *twitchapi.HelixClient) *Enricher {
	return &Enricher{Store: st, Helix: helix, StaleAfter: 7 * 24 * time.Hour, DeepEnrichMinChannels: 21}
}

// RunOnce enriches up to one batch of stale accounts. Accounts absent from
// the Get Users response are marked banned-or-deleted. Returns the number of
// accounts refreshed.
func (e *Enricher) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.StaleAfter)
	logins, err := e.Store.ListStaleAccounts(ctx, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale accounts: %w", err)
	}
	if len(logins) == 0 {
		return 0, nil
	}
	users, err := e.Helix.GetUsersByLogin(ctx, logins)
	if err != nil {
		return 0, fmt.Errorf("get users: %w", err)
	}
	byLogin := make(map[string]twitchapi.UserMeta, len(users))
	for _, u := range users {
		byLogin[u.Login] = u
	}

	now := time.Now().UTC()
	refreshed := 0
	for _, login := range logins {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		acct, err := e.Store.GetAccount(ctx, login)
		if err != nil {
			slog.Warn("enricher skipped account", slog.String("login", login), slog.Any("err", err))
			continue
		}
		meta, present := byLogin[login]
		if !present {
			// Deleted and banned accounts are indistinguishable here.
			acct.BannedOrDeleted = true
			acct.EnrichedAt = now
		} else {
			acct.BannedOrDeleted = false
			acct.BroadcasterType = meta.BroadcasterType
			acct.AccountCreatedAt = meta.CreatedAt
			if id, err := strconv.ParseInt(meta.ID, 10, 64); err == nil {
				acct.TwitchAccountID = id
			}
			if err := e.deepEnrich(ctx, &acct, meta.ID); err != nil {
				slog.Warn("deep enrichment incomplete", slog.String("login", login), slog.Any("err", err))
			}
			acct.EnrichedAt = now
		}
		if err := e.Store.UpsertAccount(ctx, acct); err != nil {
			slog.Warn("enricher failed to store account", slog.String("login", login), slog.Any("err", err))
			continue
		}
		refreshed++
		telemetry.Inc(telemetry.AccountsEnriched)
	}
	slog.Info("enrichment batch complete", slog.Int("stale", len(logins)), slog.Int("refreshed", refreshed))
	return refreshed, nil
}

// deepEnrich adds follower total and has-ever-streamed for accounts whose
// counter breadth makes them worth two extra Helix calls.
func (e *Enricher) deepEnrich(ctx context.Context, acct *store.Account, userID string) error {
	counter, err := e.Store.GetCounter(ctx, acct.Login)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if counter.Distinct() < e.DeepEnrichMinChannels {
		return nil
	}
	total, err := e.Helix.GetChannelFollowersTotal(ctx, userID)
	if err != nil {
		return fmt.Errorf("followers total: %w", err)
	}
	acct.FollowerCount = total
	streamed, err := e.Helix.HasArchiveVideos(ctx, userID)
	if err != nil {
		return fmt.Errorf("archive probe: %w", err)
	}
	acct.HasEverStreamed = streamed
	return nil
}

// Start runs enrichment batches on a ticker until ctx is done.
func (e *Enricher) Start(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	slog.Info("account enricher started", slog.Duration("interval", every),
		slog.String("deep_enrich_from", classify.Level(e.DeepEnrichMinChannels)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				slog.Error("enrichment batch failed", slog.Any("err", err))
			}
		}
	}
}
