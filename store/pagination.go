package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// PageSize is the number of messages requested per history page. A
// server response shorter than this signals exhausted history.
const PageSize = 25

// PageFetcher retrieves a page of messages strictly older than the
// cursor, ordered newest-first as the server delivers them. A zero
// cursor means "from the latest message". Implementations live in the
// transport layer.
type PageFetcher interface {
	FetchMessages(ctx context.Context, channelID string, before time.Time, limit int) ([]Message, error)
}

// Page is the result of one LoadOlder call.
type Page struct {
	// Messages are the fetched messages after merging, oldest first.
	Messages []Message
	// Exhausted reports whether channel history is fully loaded.
	Exhausted bool
}

// LoadOlder fetches the next page of history for a channel and merges
// it into the log. The fetch happens outside the store lock, so
// event-driven inserts proceed concurrently; the sorted merge makes a
// page that completes out of order land correctly anyway. Once history
// is exhausted further calls return an empty page without fetching.
func (s *Store) LoadOlder(ctx context.Context, channelID string) (Page, error) {
	if s.fetcher == nil {
		return Page{}, fmt.Errorf("store: no page fetcher configured")
	}

	s.mu.Lock()
	ch := s.channelLocked(channelID)
	if ch.exhausted {
		s.mu.Unlock()
		return Page{Exhausted: true}, nil
	}
	cursor := ch.cursor
	s.mu.Unlock()

	fetched, err := s.fetcher.FetchMessages(ctx, channelID, cursor, s.pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("store: fetch older messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch = s.channelLocked(channelID)
	merged := make([]Message, 0, len(fetched))
	for _, msg := range fetched {
		msg.ChannelID = channelID
		s.applyInsertLocked(msg)
		merged = append(merged, msg)

		if ch.cursor.IsZero() || msg.CreatedAt.Before(ch.cursor) {
			ch.cursor = msg.CreatedAt
		}
	}

	if len(fetched) < s.pageSize {
		ch.exhausted = true
	}

	logrus.WithFields(logrus.Fields{
		"function":   "LoadOlder",
		"channel_id": channelID,
		"fetched":    len(fetched),
		"exhausted":  ch.exhausted,
	}).Debug("History page merged")

	// Present oldest-first like the log itself.
	for i, j := 0, len(merged)-1; i < j; i, j = i+1, j-1 {
		merged[i], merged[j] = merged[j], merged[i]
	}
	return Page{Messages: merged, Exhausted: ch.exhausted}, nil
}

// HistoryExhausted reports whether all history for a channel has been
// fetched.
func (s *Store) HistoryExhausted(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	return ok && ch.exhausted
}
