// Package roster fetches channel viewer lists over Twitch IRC. A fetch task
// joins the channel's chat, buffers the NAMES reply until the end-of-list
// marker, parses it into a deduplicated login list, and parts the channel
// again. Join attempts are gated by the shared join limiter.
package roster

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// State is the lifecycle of one channel-fetch task.
type State string

const (
	StateQueued         State = "queued"
	StateJoining        State = "joining"
	StateAwaitingRoster State = "awaiting_roster"
	StateParsing        State = "parsing"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// FailReason says why a fetch task failed.
type FailReason string

const (
	ReasonRosterTimeout      FailReason = "RosterTimeout"
	ReasonRosterParseError   FailReason = "RosterParseError"
	ReasonLimiterUnavailable FailReason = "LimiterUnavailable"
	ReasonJoinFailed         FailReason = "JoinFailed"
	// ReasonAborted marks tasks cancelled by a sweep abort or shutdown.
	ReasonAborted FailReason = "Aborted"
)

// Task is one channel to fetch a roster from.
type Task struct {
	ChannelID    string
	ChannelLogin string
}

// Result is the terminal outcome of a fetch task. Logins is set only when
// State is StateDone; a failed fetch never yields a partial roster.
type Result struct {
	Task      Task
	State     State
	Reason    FailReason
	Err       error
	Logins    []string
	FetchedAt time.Time
	Duration  time.Duration
}

// Session is one chat connection capable of the join/names/part exchange.
// The IRC implementation is IRCSession; tests substitute fakes.
type Session interface {
	// Join starts buffering the channel's NAMES reply and issues the join.
	Join(channel string) error
	// Await blocks until the end-of-list marker arrives for the channel,
	// the timeout elapses, or ctx is done.
	Await(ctx context.Context, channel string, timeout time.Duration) ([]string, error)
	// Part leaves the channel and discards any partial buffer.
	Part(channel string)
	Close() error
}

// ErrRosterTimeout reports that the end-of-list marker never arrived.
var ErrRosterTimeout = errors.New("roster reply timed out")

// Twitch login names are 1-25 chars of lowercase alphanumerics + underscore.
var loginRE = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// ParseRoster validates and deduplicates a raw NAMES reply. IRC mode sigils
// on individual entries are stripped first. Any entry that still fails
// validation fails the whole roster; a partial roster must never pass as
// complete.
func ParseRoster(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		name := entry
		for len(name) > 0 && (name[0] == '@' || name[0] == '+') {
			name = name[1:]
		}
		if !loginRE.MatchString(name) {
			return nil, fmt.Errorf("invalid roster entry %q", entry)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
