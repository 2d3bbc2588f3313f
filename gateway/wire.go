package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/chatengine"
	"github.com/opd-ai/chatengine/crypto"
	"github.com/opd-ai/chatengine/store"
)

// Wire event kinds as the gateway names them.
const (
	kindNewMessage           = "NEW_MESSAGE"
	kindUpdatedMessage       = "UPDATED_MESSAGE"
	kindDeletedMessage       = "DELETED_MESSAGE"
	kindTyping               = "TYPING"
	kindNewChannel           = "NEW_CHANNEL"
	kindDeletedChannel       = "DELETED_CHANNEL"
	kindNewParticipant       = "NEW_PARTICIPANT"
	kindDeletedParticipant   = "DELETED_PARTICIPANT"
	kindNewMember            = "NEW_MEMBER"
	kindDeletedMember        = "DELETED_MEMBER"
	kindNewVoiceSession      = "NEW_VOICE_SESSION"
	kindAcceptedVoiceSession = "ACCEPTED_VOICE_SESSION"
	kindNewMention           = "NEW_MENTION"
)

// eventFrame is one websocket frame: an event name plus its payload.
type eventFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// wireMessage is the gateway's message shape. Exactly one of Content
// and Envelope is set.
type wireMessage struct {
	ID        string           `json:"id"`
	ChannelID string           `json:"channel_id"`
	AuthorID  string           `json:"author_id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Type      uint8            `json:"type"`
	Content   string           `json:"content,omitempty"`
	Envelope  *crypto.Envelope `json:"encrypted_content,omitempty"`
	Nonce     string           `json:"nonce,omitempty"`
}

func (wm wireMessage) toMessage() store.Message {
	return store.Message{
		ID:        wm.ID,
		ChannelID: wm.ChannelID,
		AuthorID:  wm.AuthorID,
		CreatedAt: wm.CreatedAt,
		UpdatedAt: wm.UpdatedAt,
		Type:      store.MessageType(wm.Type),
		Content:   store.Content{Text: wm.Content, Envelope: wm.Envelope},
	}
}

// wireBody is the request body for send and edit calls.
type wireBody struct {
	Content  string           `json:"content,omitempty"`
	Envelope *crypto.Envelope `json:"encrypted_content,omitempty"`
	Nonce    string           `json:"nonce,omitempty"`
}

func wireContent(content store.Content) wireBody {
	return wireBody{Content: content.Text, Envelope: content.Envelope}
}

// decodeEvent turns one wire frame into a typed event. Unrecognized
// kinds come back as UnknownEvent, not an error; only a malformed
// payload for a known kind is an error.
func decodeEvent(kind string, data json.RawMessage) (chatengine.Event, error) {
	switch kind {
	case kindNewMessage:
		var wm wireMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		return chatengine.NewMessage{Message: wm.toMessage(), Nonce: wm.Nonce}, nil

	case kindUpdatedMessage:
		var payload struct {
			ID        string           `json:"id"`
			Content   string           `json:"content,omitempty"`
			Envelope  *crypto.Envelope `json:"encrypted_content,omitempty"`
			UpdatedAt time.Time        `json:"updated_at"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		return chatengine.UpdatedMessage{
			MessageID: payload.ID,
			Content:   store.Content{Text: payload.Content, Envelope: payload.Envelope},
			UpdatedAt: payload.UpdatedAt,
		}, nil

	case kindDeletedMessage:
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		return chatengine.DeletedMessage{MessageID: payload.ID}, nil

	case kindTyping:
		var payload struct {
			ChannelID string `json:"channel_id"`
			UserID    string `json:"user_id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		return chatengine.Typing{ChannelID: payload.ChannelID, UserID: payload.UserID}, nil

	case kindNewChannel:
		var payload struct {
			ID           string   `json:"id"`
			Name         string   `json:"name"`
			Encrypted    bool     `json:"encrypted"`
			Participants []string `json:"participants"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		return chatengine.NewChannel{
			ChannelID:    payload.ID,
			Name:         payload.Name,
			Encrypted:    payload.Encrypted,
			Participants: payload.Participants,
		}, nil

	case kindDeletedChannel:
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		return chatengine.DeletedChannel{ChannelID: payload.ID}, nil

	case kindNewParticipant, kindDeletedParticipant:
		var payload struct {
			ChannelID string `json:"channel_id"`
			UserID    string `json:"user_id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		if kind == kindNewParticipant {
			return chatengine.NewParticipant{ChannelID: payload.ChannelID, UserID: payload.UserID}, nil
		}
		return chatengine.DeletedParticipant{ChannelID: payload.ChannelID, UserID: payload.UserID}, nil

	case kindNewMember, kindDeletedMember:
		var payload struct {
			CommunityID string `json:"community_id"`
			UserID      string `json:"user_id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		if kind == kindNewMember {
			return chatengine.MemberJoined{CommunityID: payload.CommunityID, UserID: payload.UserID}, nil
		}
		return chatengine.MemberLeft{CommunityID: payload.CommunityID, UserID: payload.UserID}, nil

	case kindNewVoiceSession, kindAcceptedVoiceSession:
		var payload struct {
			ChannelID string `json:"channel_id"`
			UserID    string `json:"user_id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		return chatengine.VoiceSession{
			ChannelID: payload.ChannelID,
			UserID:    payload.UserID,
			Accepted:  kind == kindAcceptedVoiceSession,
		}, nil

	case kindNewMention:
		var payload struct {
			ChannelID string `json:"channel_id"`
			MessageID string `json:"message_id"`
			UserID    string `json:"user_id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", kind, err)
		}
		return chatengine.Mention{
			ChannelID: payload.ChannelID,
			MessageID: payload.MessageID,
			UserID:    payload.UserID,
		}, nil

	default:
		return chatengine.UnknownEvent{Kind: kind}, nil
	}
}
