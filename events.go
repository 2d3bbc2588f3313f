package chatengine

import (
	"time"

	"github.com/opd-ai/chatengine/store"
)

// Event is one server-pushed event. The set of implementations below is
// closed; the dispatcher matches them exhaustively, and anything the
// transport could not decode arrives as UnknownEvent and is logged
// rather than silently dropped.
type Event interface {
	isEvent()
}

// NewMessage announces a message created in one of the session's
// channels. Nonce, when present, echoes the client nonce of the send
// that produced it, letting the outbox reconcile without heuristics.
type NewMessage struct {
	Message store.Message
	Nonce   string
}

// UpdatedMessage announces an edit to an existing message.
type UpdatedMessage struct {
	MessageID string
	Content   store.Content
	UpdatedAt time.Time
}

// DeletedMessage announces a message removal.
type DeletedMessage struct {
	MessageID string
}

// Typing is a typing heartbeat from a channel participant.
type Typing struct {
	ChannelID string
	UserID    string
}

// NewChannel announces a channel the session gained access to.
type NewChannel struct {
	ChannelID    string
	Name         string
	Encrypted    bool
	Participants []string
}

// DeletedChannel announces a channel removal.
type DeletedChannel struct {
	ChannelID string
}

// NewParticipant announces a user added to a channel.
type NewParticipant struct {
	ChannelID string
	UserID    string
}

// DeletedParticipant announces a user removed from a channel.
type DeletedParticipant struct {
	ChannelID string
	UserID    string
}

// MemberJoined announces a community membership addition.
type MemberJoined struct {
	CommunityID string
	UserID      string
}

// MemberLeft announces a community membership removal.
type MemberLeft struct {
	CommunityID string
	UserID      string
}

// VoiceSession announces a voice session starting or being accepted in
// a channel. The engine surfaces it to callbacks only; media transport
// lives elsewhere.
type VoiceSession struct {
	ChannelID string
	UserID    string
	Accepted  bool
}

// Mention announces that the local user was mentioned.
type Mention struct {
	ChannelID string
	MessageID string
	UserID    string
}

// UnknownEvent carries an event kind the transport did not recognize.
type UnknownEvent struct {
	Kind string
}

func (NewMessage) isEvent()         {}
func (UpdatedMessage) isEvent()     {}
func (DeletedMessage) isEvent()     {}
func (Typing) isEvent()             {}
func (NewChannel) isEvent()         {}
func (DeletedChannel) isEvent()     {}
func (NewParticipant) isEvent()     {}
func (DeletedParticipant) isEvent() {}
func (MemberJoined) isEvent()       {}
func (MemberLeft) isEvent()         {}
func (VoiceSession) isEvent()       {}
func (Mention) isEvent()            {}
func (UnknownEvent) isEvent()       {}
