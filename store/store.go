package store

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GroupWindow is the maximum gap between two messages by the same
// author before the second one starts a new group.
const GroupWindow = 300000 * time.Millisecond

// Channel is one conversation's state: the sorted log, the pagination
// cursor, and the participant set.
type Channel struct {
	ID        string
	Name      string
	Encrypted bool

	messages     []*Message
	byID         map[string]*Message
	participants map[string]struct{}

	// cursor is the creation time of the oldest fetched message; zero
	// means no page has been fetched yet.
	cursor    time.Time
	exhausted bool
}

// Store owns all Channel and Message lifetimes. Every mutation of a
// channel's log goes through ApplyInsert, ApplyDelete, ApplyEdit, or a
// page merge; mutations are applied atomically under one lock so no two
// interleave partially.
type Store struct {
	mu       sync.Mutex
	channels map[string]*Channel
	// index maps message ID to owning channel ID so deletes and edits
	// that arrive with only a message ID can be routed.
	index map[string]string

	fetcher  PageFetcher
	pageSize int
}

// New creates a store. The fetcher may be nil when pagination is not
// needed (event-driven use only).
func New(fetcher PageFetcher) *Store {
	return &Store{
		channels: make(map[string]*Channel),
		index:    make(map[string]string),
		fetcher:  fetcher,
		pageSize: PageSize,
	}
}

// channelLocked returns the channel, creating it on first access.
func (s *Store) channelLocked(channelID string) *Channel {
	ch, ok := s.channels[channelID]
	if !ok {
		ch = &Channel{
			ID:           channelID,
			byID:         make(map[string]*Message),
			participants: make(map[string]struct{}),
		}
		s.channels[channelID] = ch
	}
	return ch
}

// AddChannel registers a channel with its metadata, creating it if a
// message or participant event has not already done so.
func (s *Store) AddChannel(channelID, name string, encrypted bool, participants []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channelLocked(channelID)
	ch.Name = name
	ch.Encrypted = encrypted
	for _, p := range participants {
		ch.participants[p] = struct{}{}
	}
}

// RemoveChannel drops a channel and its entire log.
func (s *Store) RemoveChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return
	}
	for id := range ch.byID {
		delete(s.index, id)
	}
	delete(s.channels, channelID)
}

// ChannelInfo returns a channel's metadata and whether it exists.
func (s *Store) ChannelInfo(channelID string) (name string, encrypted bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return "", false, false
	}
	return ch.Name, ch.Encrypted, true
}

// AddParticipant records a user joining a channel.
func (s *Store) AddParticipant(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelLocked(channelID).participants[userID] = struct{}{}
}

// RemoveParticipant records a user leaving a channel.
func (s *Store) RemoveParticipant(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[channelID]; ok {
		delete(ch.participants, userID)
	}
}

// Participants returns the sorted participant list of a channel.
func (s *Store) Participants(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ch.participants))
	for p := range ch.participants {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ApplyInsert inserts or replaces a message at its sorted position.
// Identifier collisions resolve by UpdatedAt: the newer write wins, so
// replaying the same event is a no-op.
func (s *Store) ApplyInsert(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyInsertLocked(msg)
}

func (s *Store) applyInsertLocked(msg Message) {
	ch := s.channelLocked(msg.ChannelID)

	if existing, ok := ch.byID[msg.ID]; ok {
		if msg.UpdatedAt.Before(existing.UpdatedAt) {
			logrus.WithFields(logrus.Fields{
				"function":   "ApplyInsert",
				"message_id": msg.ID,
			}).Debug("Stale insert ignored")
			return
		}
		existing.Content = msg.Content
		existing.UpdatedAt = msg.UpdatedAt
		existing.Type = msg.Type
		existing.Local = msg.Local
		return
	}

	stored := msg
	pos := ch.searchLocked(&stored)
	ch.messages = append(ch.messages, nil)
	copy(ch.messages[pos+1:], ch.messages[pos:])
	ch.messages[pos] = &stored
	ch.byID[stored.ID] = &stored
	s.index[stored.ID] = ch.ID
}

// searchLocked returns the insertion position of msg in the sorted log.
func (ch *Channel) searchLocked(msg *Message) int {
	return sort.Search(len(ch.messages), func(i int) bool {
		return !ch.messages[i].less(msg)
	})
}

// ApplyDelete removes a message if present. Absence is not an error:
// deletions may race ahead of the insert they target.
func (s *Store) ApplyDelete(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyDeleteLocked(messageID)
}

func (s *Store) applyDeleteLocked(messageID string) {
	channelID, ok := s.index[messageID]
	if !ok {
		return
	}
	ch := s.channels[channelID]
	msg := ch.byID[messageID]

	pos := ch.searchLocked(msg)
	// The search lands on the first entry not ordered before msg, which
	// is msg itself since IDs are unique within the log.
	ch.messages = append(ch.messages[:pos], ch.messages[pos+1:]...)
	delete(ch.byID, messageID)
	delete(s.index, messageID)
}

// ApplyEdit updates a message's content and timestamp. Writes carrying
// an UpdatedAt older than the stored value are stale and silently
// ignored, which makes out-of-order edit events safe to apply as they
// arrive. Editing an unknown message is a no-op.
func (s *Store) ApplyEdit(messageID string, content Content, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channelID, ok := s.index[messageID]
	if !ok {
		return
	}
	msg := s.channels[channelID].byID[messageID]

	if updatedAt.Before(msg.UpdatedAt) {
		logrus.WithFields(logrus.Fields{
			"function":   "ApplyEdit",
			"message_id": messageID,
			"stored_at":  msg.UpdatedAt,
			"edit_at":    updatedAt,
		}).Debug("Stale edit ignored")
		return
	}

	msg.Content = content
	msg.UpdatedAt = updatedAt
}

// Get returns a copy of a message by identifier.
func (s *Store) Get(messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channelID, ok := s.index[messageID]
	if !ok {
		return Message{}, false
	}
	return *s.channels[channelID].byID[messageID], true
}

// Restore unconditionally reinstates a message snapshot, bypassing the
// stale-write guards. It exists for compensating rollbacks of failed
// optimistic mutations; event handlers must use ApplyInsert/ApplyEdit.
func (s *Store) Restore(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyDeleteLocked(msg.ID)
	s.applyInsertLocked(msg)
}

// Timeline returns the channel's ordered log with derived primary
// flags. A message is primary when the preceding message has a
// different author, the gap to it exceeds GroupWindow, or the message
// is not a normal chat message.
func (s *Store) Timeline(channelID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil
	}

	entries := make([]Entry, len(ch.messages))
	for i, msg := range ch.messages {
		entries[i] = Entry{Message: *msg, Primary: primaryLocked(ch.messages, i)}
	}
	return entries
}

func primaryLocked(messages []*Message, i int) bool {
	msg := messages[i]
	if msg.Type != MessageNormal {
		return true
	}
	if i == 0 {
		return true
	}
	prev := messages[i-1]
	if prev.AuthorID != msg.AuthorID {
		return true
	}
	return msg.CreatedAt.Sub(prev.CreatedAt) > GroupWindow
}

// Len returns the number of messages in a channel's log.
func (s *Store) Len(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return 0
	}
	return len(ch.messages)
}
