package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT be used for IRC chat; chat requires a user (bot) OAuth
// token with the chat:read scope.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // override for tests; default is the Twitch id endpoint
	HTTPClient   *http.Client

	mu  sync.Mutex
	src oauth2.TokenSource
}

const defaultTokenURL = "https://id.twitch.tv/oauth2/token"

// Get returns a valid (fresh or cached) app access token. Refresh is handled
// by the underlying oauth2 client-credentials source.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	ts.mu.Lock()
	if ts.src == nil {
		tokenURL := ts.TokenURL
		if tokenURL == "" {
			tokenURL = defaultTokenURL
		}
		cfg := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		cctx := context.Background()
		if ts.HTTPClient != nil {
			cctx = context.WithValue(cctx, oauth2.HTTPClient, ts.HTTPClient)
		}
		ts.src = cfg.TokenSource(cctx)
	}
	src := ts.src
	ts.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	return tok.AccessToken, nil
}
