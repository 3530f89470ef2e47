package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/lurkerwatch/store"
)

// Store implements store.Store on Postgres.
type Store struct {
	DB *sql.DB
}

// NewStore wraps an open connection.
func NewStore(dbx *sql.DB) *Store { return &Store{DB: dbx} }

func (s *Store) CreateSweep(ctx context.Context, sw store.Sweep) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sweeps (id, status, category_id, language, min_viewers, jitter_applied_ms,
			started_at, channels_attempted, channels_succeeded, channels_failed,
			abort_reason, error_count, suspects_spotted, avg_fetch_seconds, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())`,
		sw.ID, sw.Status, sw.CategoryID, sw.Language, sw.MinViewers, sw.JitterApplied.Milliseconds(),
		nullTime(sw.StartedAt), sw.ChannelsAttempted, sw.ChannelsSucceeded, sw.ChannelsFailed,
		sw.AbortReason, sw.ErrorCount, sw.SuspectsSpotted, sw.AvgFetchSeconds)
	return err
}

func (s *Store) UpdateSweep(ctx context.Context, sw store.Sweep) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sweeps SET status=$2, ended_at=$3, channels_attempted=$4, channels_succeeded=$5,
			channels_failed=$6, abort_reason=$7, error_count=$8, suspects_spotted=$9,
			avg_fetch_seconds=$10, updated_at=NOW()
		WHERE id=$1`,
		sw.ID, sw.Status, nullTime(sw.EndedAt), sw.ChannelsAttempted, sw.ChannelsSucceeded,
		sw.ChannelsFailed, sw.AbortReason, sw.ErrorCount, sw.SuspectsSpotted, sw.AvgFetchSeconds)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const sweepCols = `id, status, category_id, language, min_viewers, jitter_applied_ms,
	started_at, ended_at, channels_attempted, channels_succeeded, channels_failed,
	abort_reason, error_count, suspects_spotted, avg_fetch_seconds, created_at, updated_at`

func scanSweep(row interface{ Scan(...any) error }) (store.Sweep, error) {
	var sw store.Sweep
	var jitterMS int64
	var started, ended, created, updated sql.NullTime
	err := row.Scan(&sw.ID, &sw.Status, &sw.CategoryID, &sw.Language, &sw.MinViewers, &jitterMS,
		&started, &ended, &sw.ChannelsAttempted, &sw.ChannelsSucceeded, &sw.ChannelsFailed,
		&sw.AbortReason, &sw.ErrorCount, &sw.SuspectsSpotted, &sw.AvgFetchSeconds, &created, &updated)
	if err != nil {
		return store.Sweep{}, err
	}
	sw.JitterApplied = time.Duration(jitterMS) * time.Millisecond
	sw.StartedAt = started.Time
	sw.EndedAt = ended.Time
	sw.CreatedAt = created.Time
	sw.UpdatedAt = updated.Time
	return sw, nil
}

func (s *Store) GetSweep(ctx context.Context, id uuid.UUID) (store.Sweep, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sweepCols+` FROM sweeps WHERE id=$1`, id)
	sw, err := scanSweep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Sweep{}, store.ErrNotFound
	}
	return sw, err
}

func (s *Store) ListSweeps(ctx context.Context, limit int) ([]store.Sweep, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sweepCols+` FROM sweeps ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []store.Sweep
	for rows.Next() {
		sw, err := scanSweep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

func (s *Store) InsertSightings(ctx context.Context, sweepID uuid.UUID, channelID string, logins []string, observedAt, windowStart, windowEnd time.Time) (created, conflicts []string, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sweeps WHERE id=$1)`, sweepID).Scan(&exists); err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, fmt.Errorf("sweep %s: %w", sweepID, store.ErrNotFound)
	}

	for _, login := range logins {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO viewer_sightings (login, channel_id, sweep_id, observed_at, window_start, window_end)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (login, channel_id, sweep_id) DO NOTHING`,
			login, channelID, sweepID, observedAt, windowStart, windowEnd)
		if err != nil {
			return nil, nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, nil, err
		}
		if n > 0 {
			created = append(created, login)
			continue
		}
		var prior time.Time
		err = tx.QueryRowContext(ctx,
			`SELECT observed_at FROM viewer_sightings WHERE login=$1 AND channel_id=$2 AND sweep_id=$3`,
			login, channelID, sweepID).Scan(&prior)
		if err != nil {
			return nil, nil, err
		}
		if !prior.Equal(observedAt) {
			conflicts = append(conflicts, login)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return created, conflicts, nil
}

func (s *Store) EnsureAccounts(ctx context.Context, logins []string, seenAt time.Time) error {
	for _, login := range logins {
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO twitch_users (login, first_sighting, most_recent_sighting)
			VALUES ($1,$2,$2)
			ON CONFLICT (login) DO UPDATE SET
				first_sighting = LEAST(COALESCE(twitch_users.first_sighting, EXCLUDED.first_sighting), EXCLUDED.first_sighting),
				most_recent_sighting = GREATEST(COALESCE(twitch_users.most_recent_sighting, EXCLUDED.most_recent_sighting), EXCLUDED.most_recent_sighting)`,
			login, seenAt)
		if err != nil {
			return fmt.Errorf("ensure account %s: %w", login, err)
		}
	}
	return nil
}

const accountCols = `login, twitch_account_id, account_created_at, broadcaster_type,
	follower_count, following_count, has_ever_streamed, banned_or_deleted,
	first_sighting, most_recent_sighting, enriched_at`

func (s *Store) GetAccount(ctx context.Context, login string) (store.Account, error) {
	var a store.Account
	var createdAt, first, recent, enriched sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM twitch_users WHERE login=$1`, login).
		Scan(&a.Login, &a.TwitchAccountID, &createdAt, &a.BroadcasterType,
			&a.FollowerCount, &a.FollowingCount, &a.HasEverStreamed, &a.BannedOrDeleted,
			&first, &recent, &enriched)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, store.ErrNotFound
	}
	if err != nil {
		return store.Account{}, err
	}
	a.AccountCreatedAt = createdAt.Time
	a.FirstSighting = first.Time
	a.MostRecentSighting = recent.Time
	a.EnrichedAt = enriched.Time
	return a, nil
}

func (s *Store) UpsertAccount(ctx context.Context, a store.Account) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO twitch_users (`+accountCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (login) DO UPDATE SET
			twitch_account_id=EXCLUDED.twitch_account_id,
			account_created_at=EXCLUDED.account_created_at,
			broadcaster_type=EXCLUDED.broadcaster_type,
			follower_count=EXCLUDED.follower_count,
			following_count=EXCLUDED.following_count,
			has_ever_streamed=EXCLUDED.has_ever_streamed,
			banned_or_deleted=EXCLUDED.banned_or_deleted,
			first_sighting=EXCLUDED.first_sighting,
			most_recent_sighting=EXCLUDED.most_recent_sighting,
			enriched_at=EXCLUDED.enriched_at`,
		a.Login, a.TwitchAccountID, nullTime(a.AccountCreatedAt), a.BroadcasterType,
		a.FollowerCount, a.FollowingCount, a.HasEverStreamed, a.BannedOrDeleted,
		nullTime(a.FirstSighting), nullTime(a.MostRecentSighting), nullTime(a.EnrichedAt))
	return err
}

func (s *Store) ListStaleAccounts(ctx context.Context, enrichedBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT login FROM twitch_users
		WHERE enriched_at IS NULL OR enriched_at < $1
		ORDER BY enriched_at ASC NULLS FIRST
		LIMIT $2`, enrichedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		out = append(out, login)
	}
	return out, rows.Err()
}

func (s *Store) GetCounter(ctx context.Context, login string) (store.Counter, error) {
	var raw []byte
	var updated sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT channels, updated_at FROM co_occurrence WHERE login=$1`, login).
		Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Counter{}, store.ErrNotFound
	}
	if err != nil {
		return store.Counter{}, err
	}
	c := store.Counter{Login: login, UpdatedAt: updated.Time, Channels: make(map[string]time.Time)}
	if err := json.Unmarshal(raw, &c.Channels); err != nil {
		return store.Counter{}, fmt.Errorf("decode channels for %s: %w", login, err)
	}
	return c, nil
}

func (s *Store) UpsertCounter(ctx context.Context, c store.Counter) error {
	raw, err := json.Marshal(c.Channels)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO co_occurrence (login, channels, distinct_channels, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (login) DO UPDATE SET
			channels=EXCLUDED.channels,
			distinct_channels=EXCLUDED.distinct_channels,
			updated_at=EXCLUDED.updated_at`,
		c.Login, raw, len(c.Channels), nullTime(c.UpdatedAt))
	return err
}

func (s *Store) ScanCounters(ctx context.Context, minChannels int, fn func(store.Counter) error) error {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT login, channels, updated_at FROM co_occurrence WHERE distinct_channels >= $1`, minChannels)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var login string
		var raw []byte
		var updated sql.NullTime
		if err := rows.Scan(&login, &raw, &updated); err != nil {
			return err
		}
		c := store.Counter{Login: login, UpdatedAt: updated.Time, Channels: make(map[string]time.Time)}
		if err := json.Unmarshal(raw, &c.Channels); err != nil {
			return fmt.Errorf("decode channels for %s: %w", login, err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) DeleteCounterChannels(ctx context.Context, login string, before time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT channels FROM co_occurrence WHERE login=$1 FOR UPDATE`, login).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	channels := make(map[string]time.Time)
	if err := json.Unmarshal(raw, &channels); err != nil {
		return fmt.Errorf("decode channels for %s: %w", login, err)
	}
	for ch, last := range channels {
		if last.Before(before) {
			delete(channels, ch)
		}
	}
	pruned, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE co_occurrence SET channels=$2, distinct_channels=$3 WHERE login=$1`,
		login, pruned, len(channels)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpsertScore(ctx context.Context, sc store.Score) error {
	breakdown, err := json.Marshal(sc.Breakdown)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO suspect_scores (login, score, level, breakdown, version, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (login) DO UPDATE SET
			score=EXCLUDED.score, level=EXCLUDED.level, breakdown=EXCLUDED.breakdown,
			version=EXCLUDED.version, computed_at=EXCLUDED.computed_at`,
		sc.Login, sc.Score, sc.Level, breakdown, sc.Version, nullTime(sc.ComputedAt)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO suspect_score_history (login, score, level, breakdown, version, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sc.Login, sc.Score, sc.Level, breakdown, sc.Version, nullTime(sc.ComputedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

const scoreCols = `login, score, level, breakdown, version, computed_at`

func scanScore(row interface{ Scan(...any) error }) (store.Score, error) {
	var sc store.Score
	var raw []byte
	var computed sql.NullTime
	if err := row.Scan(&sc.Login, &sc.Score, &sc.Level, &raw, &sc.Version, &computed); err != nil {
		return store.Score{}, err
	}
	sc.ComputedAt = computed.Time
	sc.Breakdown = make(map[string]float64)
	if err := json.Unmarshal(raw, &sc.Breakdown); err != nil {
		return store.Score{}, fmt.Errorf("decode breakdown for %s: %w", sc.Login, err)
	}
	return sc, nil
}

func (s *Store) GetScore(ctx context.Context, login string) (store.Score, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scoreCols+` FROM suspect_scores WHERE login=$1`, login)
	sc, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Score{}, store.ErrNotFound
	}
	return sc, err
}

func (s *Store) ListScores(ctx context.Context, minScore float64, limit int) ([]store.Score, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+scoreCols+` FROM suspect_scores WHERE score >= $1 ORDER BY score DESC LIMIT $2`, minScore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []store.Score
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ store.Store = (*Store)(nil)
