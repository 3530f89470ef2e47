// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for live-stream discovery and user enrichment, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// HelixClient provides the Helix surface needed by discovery and enrichment.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string // override for tests; default is the Helix endpoint
	HTTPClient     *http.Client
}

const defaultBaseURL = "https://api.twitch.tv/helix"

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultBaseURL
}

func (hc *HelixClient) get(ctx context.Context, path string, query map[string][]string, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StreamMeta is one live stream from the Get Streams endpoint.
type StreamMeta struct {
	ID          string
	UserID      string
	UserLogin   string
	UserName    string
	GameID      string
	GameName    string
	Title       string
	ViewerCount int
	Language    string
	StartedAt   time.Time
	IsMature    bool
}

// StreamFilters narrow a Get Streams page request.
type StreamFilters struct {
	GameID   string
	Language string
	First    int // page size, Helix max 100
}

// GetStreams fetches one page of currently-live streams, most viewers first
// (Helix ordering). Returns the page and the pagination cursor, empty when
// exhausted.
func (hc *HelixClient) GetStreams(ctx context.Context, f StreamFilters, after string) ([]StreamMeta, string, error) {
	first := f.First
	if first <= 0 || first > 100 {
		first = 100
	}
	query := map[string][]string{
		"type":  {"live"},
		"first": {strconv.Itoa(first)},
	}
	if f.GameID != "" {
		query["game_id"] = []string{f.GameID}
	}
	if f.Language != "" {
		query["language"] = []string{f.Language}
	}
	if after != "" {
		query["after"] = []string{after}
	}
	var body struct {
		Data []struct {
			ID          string `json:"id"`
			UserID      string `json:"user_id"`
			UserLogin   string `json:"user_login"`
			UserName    string `json:"user_name"`
			GameID      string `json:"game_id"`
			GameName    string `json:"game_name"`
			Title       string `json:"title"`
			ViewerCount int    `json:"viewer_count"`
			Language    string `json:"language"`
			StartedAt   string `json:"started_at"`
			IsMature    bool   `json:"is_mature"`
		} `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, "/streams", query, &body); err != nil {
		return nil, "", err
	}
	out := make([]StreamMeta, 0, len(body.Data))
	for _, s := range body.Data {
		started, _ := time.Parse(time.RFC3339, s.StartedAt)
		out = append(out, StreamMeta{
			ID: s.ID, UserID: s.UserID, UserLogin: s.UserLogin, UserName: s.UserName,
			GameID: s.GameID, GameName: s.GameName, Title: s.Title,
			ViewerCount: s.ViewerCount, Language: s.Language,
			StartedAt: started, IsMature: s.IsMature,
		})
	}
	return out, body.Pagination.Cursor, nil
}

// UserMeta is one account from the Get Users endpoint.
type UserMeta struct {
	ID              string
	Login           string
	BroadcasterType string
	CreatedAt       time.Time
}

// maxUsersPerRequest is the Helix cap on logins per Get Users call.
const maxUsersPerRequest = 100

// GetUsersByLogin resolves up to 100 login names to their profile records.
// Logins absent from the response were banned or deleted.
func (hc *HelixClient) GetUsersByLogin(ctx context.Context, logins []string) ([]UserMeta, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	if len(logins) > maxUsersPerRequest {
		return nil, fmt.Errorf("at most %d logins per users request, got %d", maxUsersPerRequest, len(logins))
	}
	var body struct {
		Data []struct {
			ID              string `json:"id"`
			Login           string `json:"login"`
			BroadcasterType string `json:"broadcaster_type"`
			CreatedAt       string `json:"created_at"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", map[string][]string{"login": logins}, &body); err != nil {
		return nil, err
	}
	out := make([]UserMeta, 0, len(body.Data))
	for _, u := range body.Data {
		created, _ := time.Parse(time.RFC3339, u.CreatedAt)
		out = append(out, UserMeta{ID: u.ID, Login: u.Login, BroadcasterType: u.BroadcasterType, CreatedAt: created})
	}
	return out, nil
}

// GetChannelFollowersTotal returns the follower total for a broadcaster id.
func (hc *HelixClient) GetChannelFollowersTotal(ctx context.Context, broadcasterID string) (int, error) {
	if broadcasterID == "" {
		return 0, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Total int `json:"total"`
	}
	query := map[string][]string{"broadcaster_id": {broadcasterID}, "first": {"1"}}
	if err := hc.get(ctx, "/channels/followers", query, &body); err != nil {
		return 0, err
	}
	return body.Total, nil
}

// HasArchiveVideos reports whether the user has ever broadcast, using a
// single-item Get Videos probe.
func (hc *HelixClient) HasArchiveVideos(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("userID empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	query := map[string][]string{"user_id": {userID}, "type": {"archive"}, "first": {"1"}}
	if err := hc.get(ctx, "/videos", query, &body); err != nil {
		return false, err
	}
	return len(body.Data) > 0, nil
}
