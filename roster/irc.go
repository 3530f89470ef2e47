package roster

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// IRCSession is one Twitch IRC connection used by a pool worker. It requests
// only the membership capability, so the server sends NAMES (353) lines and
// join/part events but no chat traffic.
//
// NOTE: an app access token cannot authenticate IRC; with no user token the
// session connects anonymously, which is sufficient for reading rosters.
type IRCSession struct {
	client *twitch.Client

	mu      sync.Mutex
	pending map[string]*pendingRoster
	closed  bool
}

type pendingRoster struct {
	names []string
	done  chan []string
}

// NewIRCSession builds a session. With an empty token the connection is
// anonymous (justinfan nick).
func NewIRCSession(username, oauthToken string) *IRCSession {
	var client *twitch.Client
	if username == "" || oauthToken == "" {
		client = twitch.NewAnonymousClient()
	} else {
		client = twitch.NewClient(username, oauthToken)
	}
	client.Capabilities = []string{twitch.MembershipCapability}

	s := &IRCSession{client: client, pending: make(map[string]*pendingRoster)}

	client.OnNamesMessage(func(msg twitch.NamesMessage) {
		s.mu.Lock()
		if p, ok := s.pending[strings.ToLower(msg.Channel)]; ok {
			p.names = append(p.names, msg.Users...)
		}
		s.mu.Unlock()
	})
	// gempir has no dedicated callback for the 366 end-of-names marker; it
	// surfaces as an unset raw message.
	client.OnUnsetMessage(func(msg twitch.RawMessage) {
		if msg.RawType != "366" {
			return
		}
		ch := endOfNamesChannel(msg.Raw)
		if ch == "" {
			return
		}
		s.mu.Lock()
		p, ok := s.pending[ch]
		if ok {
			delete(s.pending, ch)
		}
		s.mu.Unlock()
		if ok {
			p.done <- p.names
		}
	})
	return s
}

// endOfNamesChannel extracts the channel from a raw 366 line, e.g.
// ":nick.tmi.twitch.tv 366 nick #somechannel :End of /NAMES list".
func endOfNamesChannel(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) < 4 || !strings.HasPrefix(fields[3], "#") {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(fields[3], "#"))
}

// Connect establishes the IRC connection and blocks until it is ready or ctx
// is done. The underlying read loop keeps running until Close.
func (s *IRCSession) Connect(ctx context.Context) error {
	ready := make(chan struct{})
	s.client.OnConnect(func() {
		select {
		case <-ready:
		default:
			close(ready)
		}
	})
	errc := make(chan error, 1)
	go func() {
		if err := s.client.Connect(); err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			errc <- err
		}
	}()
	select {
	case <-ready:
		return nil
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.client.Disconnect() //nolint:errcheck
		return ctx.Err()
	}
}

// Join registers a NAMES buffer for the channel and issues the join.
func (s *IRCSession) Join(channel string) error {
	channel = strings.ToLower(channel)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("irc session is closed")
	}
	s.pending[channel] = &pendingRoster{done: make(chan []string, 1)}
	s.mu.Unlock()
	s.client.Join(channel)
	return nil
}

// Await blocks until the end-of-names marker arrives for the channel.
func (s *IRCSession) Await(ctx context.Context, channel string, timeout time.Duration) ([]string, error) {
	channel = strings.ToLower(channel)
	s.mu.Lock()
	p, ok := s.pending[channel]
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("await before join")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case names := <-p.done:
		return names, nil
	case <-timer.C:
		return nil, ErrRosterTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Part leaves the channel and discards any partially buffered roster.
func (s *IRCSession) Part(channel string) {
	channel = strings.ToLower(channel)
	s.mu.Lock()
	delete(s.pending, channel)
	s.mu.Unlock()
	s.client.Depart(channel)
}

// Close tears the connection down.
func (s *IRCSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pending = make(map[string]*pendingRoster)
	s.mu.Unlock()
	if err := s.client.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		slog.Warn("irc disconnect", slog.Any("err", err))
		return err
	}
	return nil
}

var _ Session = (*IRCSession)(nil)
