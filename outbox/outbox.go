// Package outbox applies local send/edit/delete intents to the message
// log immediately and reconciles them against server confirmations.
//
// A send is visible in the log before the network round-trip finishes;
// when the server answers (or its pushed event arrives first, under a
// race) the temporary entry is replaced by the authoritative message.
// Failures roll the log back and surface the error to the caller.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatengine/crypto"
	"github.com/opd-ai/chatengine/store"
)

// matchWindow bounds the creation-time distance used by the field-match
// fallback when a pushed message carries no client nonce.
const matchWindow = 5 * time.Second

// Op is the kind of a pending mutation.
type Op uint8

const (
	OpSend Op = iota
	OpEdit
	OpDelete
)

// State is the lifecycle state of a pending mutation. Both Confirmed
// and Failed are terminal.
type State uint8

const (
	StatePending State = iota
	StateConfirmed
	StateFailed
)

// Sender issues mutation requests to the server. The gateway transport
// implements it.
type Sender interface {
	SendMessage(ctx context.Context, channelID string, content store.Content, nonce string) (store.Message, error)
	EditMessage(ctx context.Context, messageID string, content store.Content) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// TimeProvider abstracts time for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

type defaultClock struct{}

func (defaultClock) Now() time.Time { return time.Now() }

// Pending is the handle for one in-flight mutation. The result channel
// is buffered, so a caller that navigated away and never reads it does
// not block reconciliation.
type Pending struct {
	LocalID   string
	Nonce     string
	ChannelID string
	Op        Op

	mu    sync.Mutex
	state State
	done  chan error
}

// State returns the mutation's current lifecycle state.
func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done delivers the terminal result: nil on confirmation, the surfaced
// error on failure.
func (p *Pending) Done() <-chan error { return p.done }

// Wait blocks until the mutation resolves or the context ends. A
// context cancellation abandons the wait only; the operation itself
// still completes and is applied to the log.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve transitions to a terminal state exactly once and reports
// whether this call won. The first of {direct response, matching event}
// is authoritative; the loser is ignored.
func (p *Pending) resolve(state State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePending {
		return false
	}
	p.state = state
	return true
}

// Outbox reconciles optimistic mutations against server state.
type Outbox struct {
	store  *store.Store
	sender Sender
	codec  *crypto.Codec
	selfID string
	clock  TimeProvider

	mu      sync.Mutex
	sends   map[string]*Pending // local ID -> pending send
	byNonce map[string]*Pending
}

// New creates an outbox. The codec may be nil when no channel mandates
// end-to-end encryption.
func New(st *store.Store, sender Sender, codec *crypto.Codec, selfID string) *Outbox {
	return &Outbox{
		store:   st,
		sender:  sender,
		codec:   codec,
		selfID:  selfID,
		clock:   defaultClock{},
		sends:   make(map[string]*Pending),
		byNonce: make(map[string]*Pending),
	}
}

// SetClock overrides the time source, for tests.
func (o *Outbox) SetClock(clock TimeProvider) {
	if clock != nil {
		o.clock = clock
	}
}

// Send inserts a locally-visible message immediately and issues the
// network request. The returned handle resolves when the server
// confirms or rejects the send.
func (o *Outbox) Send(ctx context.Context, channelID, text string) (*Pending, error) {
	if text == "" {
		return nil, fmt.Errorf("outbox: empty message")
	}

	wire, err := o.outboundContent(ctx, channelID, text)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	temp := store.Message{
		ID:        "local-" + uuid.NewString(),
		ChannelID: channelID,
		AuthorID:  o.selfID,
		CreatedAt: now,
		UpdatedAt: now,
		Type:      store.MessageNormal,
		Content:   store.Content{Text: text},
		Local:     true,
	}
	o.store.ApplyInsert(temp)

	p := &Pending{
		LocalID:   temp.ID,
		Nonce:     uuid.NewString(),
		ChannelID: channelID,
		Op:        OpSend,
		done:      make(chan error, 1),
	}

	o.mu.Lock()
	o.sends[p.LocalID] = p
	o.byNonce[p.Nonce] = p
	o.mu.Unlock()

	// The request is detached from the caller's context: abandoning the
	// caller must not cancel a send already on the wire, and a late
	// success still lands in the log.
	go o.deliverSend(context.WithoutCancel(ctx), p, channelID, wire)

	return p, nil
}

// outboundContent seals the text when the channel mandates end-to-end
// encryption, otherwise passes it through as plaintext.
func (o *Outbox) outboundContent(ctx context.Context, channelID, text string) (store.Content, error) {
	_, encrypted, ok := o.store.ChannelInfo(channelID)
	if !ok || !encrypted {
		return store.Content{Text: text}, nil
	}
	if o.codec == nil {
		return store.Content{}, fmt.Errorf("outbox: channel %s requires encryption but no codec is configured", channelID)
	}

	recipient := ""
	for _, p := range o.store.Participants(channelID) {
		if p != o.selfID {
			if recipient != "" {
				return store.Content{}, fmt.Errorf("outbox: encrypted channel %s has more than one recipient", channelID)
			}
			recipient = p
		}
	}
	if recipient == "" {
		return store.Content{}, fmt.Errorf("outbox: encrypted channel %s has no recipient", channelID)
	}

	env, err := o.codec.Seal(ctx, recipient, []byte(text))
	if err != nil {
		return store.Content{}, fmt.Errorf("outbox: seal outbound message: %w", err)
	}
	return store.Content{Envelope: env}, nil
}

func (o *Outbox) deliverSend(ctx context.Context, p *Pending, channelID string, content store.Content) {
	msg, err := o.sender.SendMessage(ctx, channelID, content, p.Nonce)
	if err != nil {
		o.failSend(p, err)
		return
	}
	o.confirmSend(p, &msg)
}

// confirmSend reconciles the direct response. If the pushed event beat
// it here, the handle is already resolved and the response is ignored;
// the store insert stays idempotent either way.
func (o *Outbox) confirmSend(p *Pending, msg *store.Message) {
	if !p.resolve(StateConfirmed) {
		return
	}

	o.forget(p)
	o.store.ApplyDelete(p.LocalID)
	msg.ChannelID = p.ChannelID
	o.store.ApplyInsert(*msg)
	p.done <- nil

	logrus.WithFields(logrus.Fields{
		"function":   "confirmSend",
		"local_id":   p.LocalID,
		"message_id": msg.ID,
	}).Debug("Send confirmed by direct response")
}

func (o *Outbox) failSend(p *Pending, err error) {
	if !p.resolve(StateFailed) {
		// The pushed event already confirmed this send; the response
		// error is a transport artifact, not a failure.
		return
	}

	o.forget(p)
	o.store.ApplyDelete(p.LocalID)
	p.done <- fmt.Errorf("outbox: send failed: %w", err)

	logrus.WithFields(logrus.Fields{
		"function":   "failSend",
		"local_id":   p.LocalID,
		"channel_id": p.ChannelID,
		"error":      err,
	}).Error("Send failed, optimistic entry removed")
}

func (o *Outbox) forget(p *Pending) {
	o.mu.Lock()
	delete(o.sends, p.LocalID)
	delete(o.byNonce, p.Nonce)
	o.mu.Unlock()
}

// Observe inspects a server-pushed message for a match against pending
// sends and, on a match, retires the optimistic entry before the caller
// inserts the authoritative one. Matching prefers the echoed client
// nonce; without one it falls back to comparing channel, author,
// plaintext content and creation-time proximity.
func (o *Outbox) Observe(msg *store.Message, nonce string) {
	p := o.match(msg, nonce)
	if p == nil {
		return
	}
	if !p.resolve(StateConfirmed) {
		return
	}

	o.forget(p)
	o.store.ApplyDelete(p.LocalID)
	p.done <- nil

	logrus.WithFields(logrus.Fields{
		"function":   "Observe",
		"local_id":   p.LocalID,
		"message_id": msg.ID,
	}).Debug("Send confirmed by pushed event")
}

func (o *Outbox) match(msg *store.Message, nonce string) *Pending {
	o.mu.Lock()
	defer o.mu.Unlock()

	if nonce != "" {
		return o.byNonce[nonce]
	}
	if msg.AuthorID != o.selfID {
		return nil
	}

	for _, p := range o.sends {
		if p.ChannelID != msg.ChannelID {
			continue
		}
		temp, ok := o.store.Get(p.LocalID)
		if !ok {
			continue
		}
		if temp.Content.Text != msg.Content.Text && !msg.Content.Encrypted() {
			continue
		}
		gap := msg.CreatedAt.Sub(temp.CreatedAt)
		if gap < -matchWindow || gap > matchWindow {
			continue
		}
		return p
	}
	return nil
}

// Edit optimistically rewrites a message and issues the request. On
// failure the prior content and timestamp are restored.
func (o *Outbox) Edit(ctx context.Context, messageID, text string) (*Pending, error) {
	snapshot, ok := o.store.Get(messageID)
	if !ok {
		return nil, fmt.Errorf("outbox: edit unknown message %s", messageID)
	}
	if snapshot.Local {
		return nil, fmt.Errorf("outbox: message %s is not confirmed yet", messageID)
	}

	wire, err := o.outboundContent(ctx, snapshot.ChannelID, text)
	if err != nil {
		return nil, err
	}

	// The optimistic write keeps the snapshot's timestamp. The server is
	// authoritative for UpdatedAt; stamping from a local clock running
	// ahead would make the confirming UPDATED_MESSAGE event, or a
	// near-simultaneous edit from another client, look stale.
	o.store.ApplyEdit(messageID, store.Content{Text: text}, snapshot.UpdatedAt)

	p := &Pending{
		LocalID:   messageID,
		ChannelID: snapshot.ChannelID,
		Op:        OpEdit,
		done:      make(chan error, 1),
	}

	go func() {
		err := o.sender.EditMessage(context.WithoutCancel(ctx), messageID, wire)
		if err != nil {
			p.resolve(StateFailed)
			o.store.Restore(snapshot)
			p.done <- fmt.Errorf("outbox: edit failed: %w", err)

			logrus.WithFields(logrus.Fields{
				"function":   "Edit",
				"message_id": messageID,
				"error":      err,
			}).Error("Edit failed, prior content restored")
			return
		}
		p.resolve(StateConfirmed)
		p.done <- nil
	}()

	return p, nil
}

// Delete optimistically removes a message and issues the request. On
// failure the message is restored at its original position.
func (o *Outbox) Delete(ctx context.Context, messageID string) (*Pending, error) {
	snapshot, ok := o.store.Get(messageID)
	if !ok {
		return nil, fmt.Errorf("outbox: delete unknown message %s", messageID)
	}
	if snapshot.Local {
		return nil, fmt.Errorf("outbox: message %s is not confirmed yet", messageID)
	}

	o.store.ApplyDelete(messageID)

	p := &Pending{
		LocalID:   messageID,
		ChannelID: snapshot.ChannelID,
		Op:        OpDelete,
		done:      make(chan error, 1),
	}

	go func() {
		err := o.sender.DeleteMessage(context.WithoutCancel(ctx), messageID)
		if err != nil {
			p.resolve(StateFailed)
			o.store.Restore(snapshot)
			p.done <- fmt.Errorf("outbox: delete failed: %w", err)

			logrus.WithFields(logrus.Fields{
				"function":   "Delete",
				"message_id": messageID,
				"error":      err,
			}).Error("Delete failed, message restored")
			return
		}
		p.resolve(StateConfirmed)
		p.done <- nil
	}()

	return p, nil
}

// PendingSends returns the number of unresolved sends, for tests and
// introspection.
func (o *Outbox) PendingSends() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sends)
}
