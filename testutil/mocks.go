package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/onnwee/lurkerwatch/twitchapi"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	m.MockOAuthTokenResponse("test-app-token", 3600)
	return m
}

// Helix returns a client wired to this mock server's token and Helix endpoints.
func (m *MockTwitchServer) Helix() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     "test-client-id",
			ClientSecret: "test-client-secret",
			TokenURL:     m.URL + "/oauth2/token",
		},
		ClientID: "test-client-id",
		BaseURL:  m.URL + "/helix",
	}
}

// MockOAuthTokenResponse adds a handler for the app token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockStreamsResponse adds a single-page handler for /helix/streams
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.MockStreamsPages([][]map[string]interface{}{streams})
}

// MockStreamsPages serves /helix/streams pages in order, keyed by the "after"
// cursor: page 0 for no cursor, page i for cursor "cursor-i". The final page
// carries no cursor.
func (m *MockTwitchServer) MockStreamsPages(pages [][]map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if after := r.URL.Query().Get("after"); strings.HasPrefix(after, "cursor-") {
			if parsed, err := strconv.Atoi(strings.TrimPrefix(after, "cursor-")); err == nil {
				idx = parsed
			}
		}
		if idx >= len(pages) {
			idx = len(pages) - 1
		}
		cursor := ""
		if idx < len(pages)-1 {
			cursor = "cursor-" + strconv.Itoa(idx+1)
		}
		response := map[string]interface{}{
			"data":       pages[idx],
			"pagination": map[string]string{"cursor": cursor},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockUsersResponse adds a handler for /helix/users
func (m *MockTwitchServer) MockUsersResponse(users []map[string]string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{"data": users}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockFollowersResponse adds a handler for /helix/channels/followers
func (m *MockTwitchServer) MockFollowersResponse(total int) {
	m.Handlers["/helix/channels/followers"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{"total": total, "data": []struct{}{}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockVideosResponse adds a handler for /helix/videos
func (m *MockTwitchServer) MockVideosResponse(videos []map[string]string) {
	m.Handlers["/helix/videos"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data":       videos,
			"pagination": map[string]string{"cursor": ""},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
