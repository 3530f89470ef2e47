// Package discovery lists currently-live channels that meet sweep criteria
// from the Twitch Helix Get Streams endpoint. Each call re-queries fresh
// state; nothing is cached between calls.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/onnwee/lurkerwatch/twitchapi"
)

// ErrDiscoveryFailed reports that page retries were exhausted. When channels
// were collected before the failure, they are returned alongside the error
// and the sweep proceeds with the partial set.
var ErrDiscoveryFailed = errors.New("stream discovery failed")

// Channel is one live channel eligible for a viewer-list fetch. Ephemeral:
// not retained after the sweep unless it produced a sighting.
type Channel struct {
	ID           string // channel owner's user id
	Login        string // chat join target
	DisplayName  string
	StreamID     string
	CategoryID   string
	CategoryName string
	Title        string
	Language     string
	ViewerCount  int
	StartedAt    time.Time
}

// Filters are the sweep criteria for a discovery pass.
type Filters struct {
	CategoryID  string
	Language    string
	MinViewers  int
	MaxChannels int // cap on channels collected, 0 = no cap
}

// Service pages through Get Streams with bounded retries and paced requests.
type Service struct {
	Helix      *twitchapi.HelixClient
	MaxRetries int           // per-page retry attempts, default 4
	Pace       *rate.Limiter // Helix request pacing, default 2 req/s
}

// NewService wires a discovery service around a Helix client.
func NewService(helix *twitchapi.HelixClient) *Service {
	return &Service{
		Helix:      helix,
		MaxRetries: 4,
		Pace:       rate.NewLimiter(rate.Limit(2), 2),
	}
}

// ListLiveChannels collects live channels matching the filters, paginating
// until exhaustion or the MaxChannels cap. The collected set is shuffled so
// repeated sweeps do not present a predictable ordering. Transient page
// errors are retried with exponential backoff; exhausting retries returns
// whatever was collected wrapped with ErrDiscoveryFailed.
func (s *Service) ListLiveChannels(ctx context.Context, f Filters) ([]Channel, error) {
	sf := twitchapi.StreamFilters{GameID: f.CategoryID, Language: f.Language}
	var collected []Channel
	cursor := ""
	for {
		if s.Pace != nil {
			if err := s.Pace.Wait(ctx); err != nil {
				return s.finish(collected, err)
			}
		}
		page, next, err := s.fetchPage(ctx, sf, cursor)
		if err != nil {
			slog.Warn("discovery page failed after retries", slog.Any("err", err), slog.String("component", "discovery"))
			return s.finish(collected, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err))
		}
		belowFloor := false
		for _, sm := range page {
			if sm.ViewerCount < f.MinViewers {
				belowFloor = true
				continue
			}
			collected = append(collected, Channel{
				ID:           sm.UserID,
				Login:        sm.UserLogin,
				DisplayName:  sm.UserName,
				StreamID:     sm.ID,
				CategoryID:   sm.GameID,
				CategoryName: sm.GameName,
				Title:        sm.Title,
				Language:     sm.Language,
				ViewerCount:  sm.ViewerCount,
				StartedAt:    sm.StartedAt,
			})
			if f.MaxChannels > 0 && len(collected) >= f.MaxChannels {
				return s.finish(collected, nil)
			}
		}
		// Helix orders pages by descending viewer count; once a whole page
		// sits below the floor there is nothing left worth paging for.
		if next == "" || (belowFloor && len(page) > 0 && page[len(page)-1].ViewerCount < f.MinViewers) {
			return s.finish(collected, nil)
		}
		cursor = next
	}
}

func (s *Service) fetchPage(ctx context.Context, sf twitchapi.StreamFilters, cursor string) ([]twitchapi.StreamMeta, string, error) {
	var page []twitchapi.StreamMeta
	var next string
	maxRetries := s.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 4
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	op := func() error {
		var err error
		page, next, err = s.Helix.GetStreams(ctx, sf, cursor)
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries)), ctx))
	return page, next, err
}

// finish shuffles in place and pairs the set with any terminal error.
func (s *Service) finish(collected []Channel, err error) ([]Channel, error) {
	rand.Shuffle(len(collected), func(i, j int) {
		collected[i], collected[j] = collected[j], collected[i]
	})
	if err != nil && len(collected) == 0 {
		return nil, err
	}
	return collected, err
}
