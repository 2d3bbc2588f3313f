package chatengine

import (
	"github.com/sirupsen/logrus"
)

// Dispatch routes one event to the component that owns its state,
// synchronously. It is safe to replay events: inserts are idempotent,
// deletes tolerate absence, and edits are timestamp-gated, so a
// reconnect-and-replay transport cannot corrupt the log.
func (e *Engine) Dispatch(event Event) {
	switch ev := event.(type) {
	case NewMessage:
		msg := ev.Message
		e.outbox.Observe(&msg, ev.Nonce)
		e.store.ApplyInsert(msg)
		if cb := e.messageCallback(); cb != nil {
			cb(msg)
		}

	case UpdatedMessage:
		e.store.ApplyEdit(ev.MessageID, ev.Content, ev.UpdatedAt)

	case DeletedMessage:
		e.store.ApplyDelete(ev.MessageID)

	case Typing:
		e.presence.MarkTyping(ev.ChannelID, ev.UserID)
		e.mu.Lock()
		cb := e.onTyping
		e.mu.Unlock()
		if cb != nil {
			cb(ev.ChannelID, ev.UserID)
		}

	case NewChannel:
		e.store.AddChannel(ev.ChannelID, ev.Name, ev.Encrypted, ev.Participants)

	case DeletedChannel:
		e.store.RemoveChannel(ev.ChannelID)
		e.presence.DropChannel(ev.ChannelID)
		e.mu.Lock()
		cb := e.onChannelDeleted
		e.mu.Unlock()
		if cb != nil {
			cb(ev.ChannelID)
		}

	case NewParticipant:
		e.store.AddParticipant(ev.ChannelID, ev.UserID)

	case DeletedParticipant:
		e.store.RemoveParticipant(ev.ChannelID, ev.UserID)
		e.presence.StopTyping(ev.ChannelID, ev.UserID)

	case MemberJoined:
		e.notifyMemberChange(ev.CommunityID, ev.UserID, true)

	case MemberLeft:
		e.notifyMemberChange(ev.CommunityID, ev.UserID, false)

	case VoiceSession:
		e.mu.Lock()
		cb := e.onVoiceSession
		e.mu.Unlock()
		if cb != nil {
			cb(ev.ChannelID, ev.UserID, ev.Accepted)
		}

	case Mention:
		e.mu.Lock()
		cb := e.onMention
		e.mu.Unlock()
		if cb != nil {
			cb(ev.ChannelID, ev.MessageID, ev.UserID)
		}

	case UnknownEvent:
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"kind":     ev.Kind,
		}).Warn("Unknown event kind ignored")

	default:
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"event":    event,
		}).Warn("Unhandled event type ignored")
	}
}

func (e *Engine) messageCallback() MessageCallback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onMessage
}

func (e *Engine) notifyMemberChange(communityID, userID string, joined bool) {
	e.mu.Lock()
	cb := e.onMemberChange
	e.mu.Unlock()
	if cb != nil {
		cb(communityID, userID, joined)
	}
}
