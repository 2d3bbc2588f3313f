package chatengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatengine/crypto"
	"github.com/opd-ai/chatengine/outbox"
	"github.com/opd-ai/chatengine/presence"
	"github.com/opd-ai/chatengine/store"
)

// ConnectionState represents the engine's event-stream state.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

// Callbacks the presentation layer can register. All run synchronously
// on the dispatch goroutine, in event arrival order.
type (
	MessageCallback        func(msg store.Message)
	TypingCallback         func(channelID, userID string)
	ChannelDeletedCallback func(channelID string)
	MemberChangeCallback   func(communityID, userID string, joined bool)
	MentionCallback        func(channelID, messageID, userID string)
	VoiceSessionCallback   func(channelID, userID string, accepted bool)
	ConnectionCallback     func(state ConnectionState)
)

// Options configures a new Engine.
type Options struct {
	// Transport carries all network traffic for the session. Required.
	Transport Transport
	// Keychain supplies negotiated key material. Optional; without it
	// encrypted envelopes render as the verification placeholder and
	// encrypted channels reject sends.
	Keychain crypto.Keychain
	// SelfID is the local user's identifier. Required.
	SelfID string
}

// Engine is one conversation session's context object. It owns the
// message store, codec, presence tracker and outbox, and is the only
// writer to them while Run is consuming the event stream.
type Engine struct {
	transport Transport
	selfID    string

	store     *store.Store
	codec     *crypto.Codec
	presence  *presence.Tracker
	outbox    *outbox.Outbox
	heartbeat *presence.Heartbeat

	mu        sync.Mutex
	connState ConnectionState

	onMessage        MessageCallback
	onTyping         TypingCallback
	onChannelDeleted ChannelDeletedCallback
	onMemberChange   MemberChangeCallback
	onMention        MentionCallback
	onVoiceSession   VoiceSessionCallback
	onConnection     ConnectionCallback
}

// New creates an engine for one session.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("chatengine: transport is required")
	}
	if opts.SelfID == "" {
		return nil, errors.New("chatengine: self ID is required")
	}

	e := &Engine{
		transport: opts.Transport,
		selfID:    opts.SelfID,
		store:     store.New(opts.Transport),
		presence:  presence.NewTracker(),
		heartbeat: presence.NewHeartbeat(opts.Transport),
	}
	if opts.Keychain != nil {
		e.codec = crypto.NewCodec(opts.Keychain, opts.SelfID)
	}
	e.outbox = outbox.New(e.store, opts.Transport, e.codec, opts.SelfID)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self_id":  opts.SelfID,
	}).Info("Conversation engine created")

	return e, nil
}

// Run subscribes to the event stream and dispatches events until the
// stream ends or the context is done. It returns nil on a clean stream
// end (io.EOF) and the underlying error otherwise. The engine is
// disconnected again when Run returns; the owner may call Run again to
// resume — replayed events are safe.
func (e *Engine) Run(ctx context.Context) error {
	stream, err := e.transport.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("chatengine: subscribe: %w", err)
	}
	defer stream.Close()

	e.setConnState(StateConnected)
	defer e.setConnState(StateDisconnected)

	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("chatengine: event stream: %w", err)
		}
		e.Dispatch(event)
	}
}

func (e *Engine) setConnState(state ConnectionState) {
	e.mu.Lock()
	e.connState = state
	cb := e.onConnection
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setConnState",
		"state":    state,
	}).Debug("Connection state changed")

	if cb != nil {
		cb(state)
	}
}

// ConnectionState returns the current event-stream state.
func (e *Engine) ConnectionState() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

// SelfID returns the local user's identifier.
func (e *Engine) SelfID() string { return e.selfID }

// Timeline returns a channel's ordered messages with primary flags.
func (e *Engine) Timeline(channelID string) []store.Entry {
	return e.store.Timeline(channelID)
}

// LoadOlder fetches and merges the next page of channel history.
func (e *Engine) LoadOlder(ctx context.Context, channelID string) (store.Page, error) {
	return e.store.LoadOlder(ctx, channelID)
}

// TypingUsers returns who is currently typing in a channel, never
// including the local user.
func (e *Engine) TypingUsers(channelID string) []string {
	return e.presence.Typing(channelID, e.selfID)
}

// ExpirePresence purges elapsed typing entries; call it on a steady
// cadence (presence.SweepInterval) if reads alone are too sparse.
func (e *Engine) ExpirePresence() {
	e.presence.Sweep()
}

// ContentOf resolves a message's displayable text: plaintext directly,
// or decrypt-and-verify for envelopes. Verification failures yield the
// fixed placeholder, never an error.
func (e *Engine) ContentOf(ctx context.Context, msg store.Message) string {
	if !msg.Content.Encrypted() {
		return msg.Content.Text
	}
	if e.codec == nil {
		return crypto.PlaceholderText
	}

	// The local user's own envelopes were sealed to the counterparty, so
	// the box opens against their key; received ones open against the
	// author's.
	peer := msg.AuthorID
	if msg.AuthorID == e.selfID {
		peer = ""
		for _, p := range e.store.Participants(msg.ChannelID) {
			if p == e.selfID {
				continue
			}
			if peer != "" {
				return crypto.PlaceholderText
			}
			peer = p
		}
		if peer == "" {
			return crypto.PlaceholderText
		}
	}
	return e.codec.Open(ctx, msg.ID, msg.AuthorID, peer, msg.Content.Envelope).Plaintext
}

// RotateKeys must be called when the local keychain's key material
// changes so cached decryptions are not served under the wrong key.
func (e *Engine) RotateKeys() {
	if e.codec != nil {
		e.codec.Rotate()
	}
}

// Send creates a message optimistically. See outbox.Outbox.Send.
func (e *Engine) Send(ctx context.Context, channelID, text string) (*outbox.Pending, error) {
	e.heartbeat.Reset(channelID)
	return e.outbox.Send(ctx, channelID, text)
}

// Edit rewrites a message optimistically. See outbox.Outbox.Edit.
func (e *Engine) Edit(ctx context.Context, messageID, text string) (*outbox.Pending, error) {
	return e.outbox.Edit(ctx, messageID, text)
}

// Delete removes a message optimistically. See outbox.Outbox.Delete.
func (e *Engine) Delete(ctx context.Context, messageID string) (*outbox.Pending, error) {
	return e.outbox.Delete(ctx, messageID)
}

// InputChanged reports the compose box state for a channel, driving
// throttled typing heartbeats.
func (e *Engine) InputChanged(ctx context.Context, channelID, input string) error {
	return e.heartbeat.InputChanged(ctx, channelID, input)
}

// OnMessage registers a callback for new messages.
func (e *Engine) OnMessage(cb MessageCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = cb
}

// OnTyping registers a callback for typing heartbeats.
func (e *Engine) OnTyping(cb TypingCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTyping = cb
}

// OnChannelDeleted registers a callback for channel removals.
func (e *Engine) OnChannelDeleted(cb ChannelDeletedCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChannelDeleted = cb
}

// OnMemberChange registers a callback for community membership changes.
func (e *Engine) OnMemberChange(cb MemberChangeCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMemberChange = cb
}

// OnMention registers a callback for mentions of the local user.
func (e *Engine) OnMention(cb MentionCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMention = cb
}

// OnVoiceSession registers a callback for voice session events.
func (e *Engine) OnVoiceSession(cb VoiceSessionCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onVoiceSession = cb
}

// OnConnectionStatus registers a callback for stream state changes.
func (e *Engine) OnConnectionStatus(cb ConnectionCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnection = cb
}
