// Package presence tracks ephemeral typing state per channel.
//
// Entries live for a fixed TTL after the last heartbeat and are purged
// lazily on read as well as by a periodic sweep. Nothing here is ever
// persisted.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TypingTTL is how long a typing heartbeat keeps a user marked as
// typing. It matches the emission interval, so a user typing
// continuously never flickers out.
const TypingTTL = 7000 * time.Millisecond

// SweepInterval is the recommended cadence for calling Expire.
const SweepInterval = time.Second

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// defaultClock uses the standard library time functions.
type defaultClock struct{}

func (defaultClock) Now() time.Time                  { return time.Now() }
func (defaultClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Tracker owns the per-channel sets of currently-typing users.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // channel -> user -> expiry
	clock   TimeProvider
}

// NewTracker creates a tracker using wall-clock time.
func NewTracker() *Tracker {
	return NewTrackerWithClock(defaultClock{})
}

// NewTrackerWithClock creates a tracker with a custom time provider.
func NewTrackerWithClock(clock TimeProvider) *Tracker {
	if clock == nil {
		clock = defaultClock{}
	}
	return &Tracker{
		entries: make(map[string]map[string]time.Time),
		clock:   clock,
	}
}

// MarkTyping inserts or refreshes a typing entry for the user.
func (t *Tracker) MarkTyping(channelID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[channelID]
	if !ok {
		users = make(map[string]time.Time)
		t.entries[channelID] = users
	}
	users[userID] = t.clock.Now().Add(TypingTTL)
}

// StopTyping removes a user's entry immediately, ahead of expiry.
func (t *Tracker) StopTyping(channelID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if users, ok := t.entries[channelID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.entries, channelID)
		}
	}
}

// Expire purges entries whose expiry has elapsed at the given time.
func (t *Tracker) Expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for channelID, users := range t.entries {
		for userID, expiry := range users {
			if !expiry.After(now) {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(t.entries, channelID)
		}
	}
}

// Sweep purges elapsed entries using the tracker's own clock.
func (t *Tracker) Sweep() {
	t.Expire(t.clock.Now())
}

// Typing returns the users currently typing in a channel, sorted,
// excluding the given user (the local user never sees themselves).
// Expired entries are purged on the way out.
func (t *Tracker) Typing(channelID, excludeUser string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[channelID]
	if !ok {
		return nil
	}

	now := t.clock.Now()
	out := make([]string, 0, len(users))
	for userID, expiry := range users {
		if !expiry.After(now) {
			delete(users, userID)
			continue
		}
		if userID == excludeUser {
			continue
		}
		out = append(out, userID)
	}
	if len(users) == 0 {
		delete(t.entries, channelID)
	}

	sort.Strings(out)
	return out
}

// DropChannel discards all typing state for a channel, for use when the
// channel itself goes away.
func (t *Tracker) DropChannel(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, channelID)

	logrus.WithFields(logrus.Fields{
		"function":   "DropChannel",
		"channel_id": channelID,
	}).Debug("Typing state dropped")
}
