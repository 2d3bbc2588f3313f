// Package store implements the paginated, ordered, deduplicated
// per-channel message log.
//
// Each channel's log is kept sorted by creation time with lexicographic
// identifier ordering breaking ties, so event-driven inserts and
// out-of-order page merges land in the same deterministic total order.
package store

import (
	"time"

	"github.com/opd-ai/chatengine/crypto"
)

// MessageType represents the kind of message.
type MessageType uint8

const (
	// MessageNormal is a regular chat message.
	MessageNormal MessageType = iota
	// MessageMemberAdded is a system message for a user joining.
	MessageMemberAdded
	// MessageMemberRemoved is a system message for a user leaving.
	MessageMemberRemoved
	// MessagePinned marks a pinned message.
	MessagePinned
	// MessageAdministrative is a server-originated notice.
	MessageAdministrative
)

// Content is the tagged union of message bodies: plaintext or an
// encrypted envelope awaiting decrypt-on-read.
type Content struct {
	Text     string           `json:"text,omitempty"`
	Envelope *crypto.Envelope `json:"envelope,omitempty"`
}

// Encrypted reports whether the content is an envelope rather than
// plaintext.
func (c Content) Encrypted() bool { return c.Envelope != nil }

// Message represents one entry in a channel's log. AuthorID and
// CreatedAt never change after creation; Content and UpdatedAt change
// on edit.
type Message struct {
	ID        string      `json:"id"`
	ChannelID string      `json:"channel_id"`
	AuthorID  string      `json:"author_id"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Type      MessageType `json:"type"`
	Content   Content     `json:"content"`

	// Local marks an optimistic entry that has not been confirmed by
	// the server yet. Never set on server-delivered messages.
	Local bool `json:"-"`
}

// less defines the total order of a channel log: ascending creation
// time, ties broken by identifier.
func (m *Message) less(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Entry is a message paired with its derived presentation flag.
type Entry struct {
	Message Message
	// Primary indicates the message opens a new author group and should
	// be rendered with a full author header.
	Primary bool
}
