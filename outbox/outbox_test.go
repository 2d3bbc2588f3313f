package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatengine/crypto"
	"github.com/opd-ai/chatengine/store"
)

var t0 = time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// mockSender scripts the server side of mutation requests.
type mockSender struct {
	mu sync.Mutex

	sendErr   error
	editErr   error
	deleteErr error

	// block, when set, holds SendMessage until released so the pushed
	// event can win the race.
	block chan struct{}

	sent        []string
	sentContent store.Content
	edited      []string
	deleted     []string
}

func (m *mockSender) SendMessage(_ context.Context, channelID string, content store.Content, nonce string) (store.Message, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return store.Message{}, m.sendErr
	}
	m.sent = append(m.sent, nonce)
	m.sentContent = content
	return store.Message{
		ID:        "srv-1",
		ChannelID: channelID,
		AuthorID:  "me",
		CreatedAt: t0,
		UpdatedAt: t0,
		Content:   content,
	}, nil
}

func (m *mockSender) EditMessage(_ context.Context, messageID string, _ store.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return m.editErr
	}
	m.edited = append(m.edited, messageID)
	return nil
}

func (m *mockSender) DeleteMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, messageID)
	return nil
}

func newOutbox(sender *mockSender) (*Outbox, *store.Store) {
	st := store.New(nil)
	o := New(st, sender, nil, "me")
	o.SetClock(fixedClock{now: t0})
	return o, st
}

func TestSendOptimisticEntryVisibleImmediately(t *testing.T) {
	sender := &mockSender{block: make(chan struct{})}
	o, st := newOutbox(sender)

	p, err := o.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	entries := st.Timeline("c1")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Message.Local)
	assert.Equal(t, "hello", entries[0].Message.Content.Text)
	assert.Equal(t, StatePending, p.State())

	close(sender.block)
	require.NoError(t, p.Wait(context.Background()))

	entries = st.Timeline("c1")
	require.Len(t, entries, 1)
	assert.Equal(t, "srv-1", entries[0].Message.ID)
	assert.False(t, entries[0].Message.Local)
	assert.Equal(t, 0, o.PendingSends())
}

func TestSendFailureLeavesNoResidual(t *testing.T) {
	sender := &mockSender{sendErr: errors.New("network down")}
	o, st := newOutbox(sender)

	p, err := o.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	err = p.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, p.State())
	assert.Empty(t, st.Timeline("c1"), "failed send leaves no optimistic entry")
	assert.Equal(t, 0, o.PendingSends())
}

func TestEventBeforeResponseYieldsOneMessage(t *testing.T) {
	sender := &mockSender{block: make(chan struct{})}
	o, st := newOutbox(sender)

	p, err := o.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	// The pushed event for the same logical send arrives first,
	// carrying the echoed client nonce.
	pushed := store.Message{
		ID:        "srv-1",
		ChannelID: "c1",
		AuthorID:  "me",
		CreatedAt: t0,
		UpdatedAt: t0,
		Content:   store.Content{Text: "hello"},
	}
	o.Observe(&pushed, p.Nonce)
	st.ApplyInsert(pushed)

	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, StateConfirmed, p.State())

	// The direct response completes afterwards and must be ignored.
	close(sender.block)
	waitFor(t, func() bool { return o.PendingSends() == 0 })

	entries := st.Timeline("c1")
	require.Len(t, entries, 1, "exactly one message, not two")
	assert.Equal(t, "srv-1", entries[0].Message.ID)
}

// stubKeychain serves pre-generated key material.
type stubKeychain struct {
	local  *crypto.LocalIdentity
	remote map[string]*crypto.RemoteKeys
}

func (k *stubKeychain) LocalKeys() (*crypto.LocalIdentity, error) { return k.local, nil }

func (k *stubKeychain) PublicKeys(_ context.Context, userID string) (*crypto.RemoteKeys, error) {
	keys, ok := k.remote[userID]
	if !ok {
		return nil, crypto.ErrKeyNotFound
	}
	return keys, nil
}

func newIdentity(t *testing.T) *crypto.LocalIdentity {
	t.Helper()
	enc, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sig, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	return &crypto.LocalIdentity{Encryption: enc, Signing: sig}
}

func TestSendSealsForEncryptedChannel(t *testing.T) {
	me := newIdentity(t)
	bob := newIdentity(t)
	codec := crypto.NewCodec(&stubKeychain{
		local: me,
		remote: map[string]*crypto.RemoteKeys{
			"bob": {Encryption: bob.Encryption.Public, Signing: bob.Signing.Public},
		},
	}, "me")

	sender := &mockSender{}
	st := store.New(nil)
	st.AddChannel("c1", "dm", true, []string{"me", "bob"})
	o := New(st, sender, codec, "me")
	o.SetClock(fixedClock{now: t0})

	p, err := o.Send(context.Background(), "c1", "secret")
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	sender.mu.Lock()
	wire := sender.sentContent
	sender.mu.Unlock()
	require.NotNil(t, wire.Envelope, "wire content is sealed")
	assert.Empty(t, wire.Text, "plaintext never leaves the outbox")

	// The recipient's codec opens it: author "me" is also the box peer
	// from bob's side.
	bobCodec := crypto.NewCodec(&stubKeychain{
		local: bob,
		remote: map[string]*crypto.RemoteKeys{
			"me": {Encryption: me.Encryption.Public, Signing: me.Signing.Public},
		},
	}, "bob")
	outcome := bobCodec.Open(context.Background(), "srv-1", "me", "me", wire.Envelope)
	assert.True(t, outcome.Verified)
	assert.Equal(t, "secret", outcome.Plaintext)
}

func TestSendEncryptedChannelValidation(t *testing.T) {
	st := store.New(nil)
	st.AddChannel("group", "grp", true, []string{"me", "bob", "eve"})

	o := New(st, &mockSender{}, nil, "me")
	_, err := o.Send(context.Background(), "group", "x")
	assert.Error(t, err, "encryption mandated but no codec configured")

	codec := crypto.NewCodec(&stubKeychain{local: newIdentity(t)}, "me")
	o = New(st, &mockSender{}, codec, "me")
	_, err = o.Send(context.Background(), "group", "x")
	assert.Error(t, err, "more than one counterparty cannot be sealed to")
}

func TestObserveFieldMatchFallback(t *testing.T) {
	sender := &mockSender{block: make(chan struct{})}
	defer close(sender.block)
	o, st := newOutbox(sender)

	p, err := o.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	// No nonce echoed: match by channel, author, content and proximity.
	pushed := store.Message{
		ID:        "srv-9",
		ChannelID: "c1",
		AuthorID:  "me",
		CreatedAt: t0.Add(2 * time.Second),
		UpdatedAt: t0.Add(2 * time.Second),
		Content:   store.Content{Text: "hello"},
	}
	o.Observe(&pushed, "")
	st.ApplyInsert(pushed)

	require.NoError(t, p.Wait(context.Background()))
	entries := st.Timeline("c1")
	require.Len(t, entries, 1)
	assert.Equal(t, "srv-9", entries[0].Message.ID)
}

func TestObserveIgnoresForeignMessages(t *testing.T) {
	sender := &mockSender{block: make(chan struct{})}
	defer close(sender.block)
	o, st := newOutbox(sender)

	_, err := o.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	// Same content but a different author, and a same-author message
	// far outside the window: neither may claim the pending send.
	other := store.Message{ID: "srv-2", ChannelID: "c1", AuthorID: "bob",
		CreatedAt: t0, UpdatedAt: t0, Content: store.Content{Text: "hello"}}
	o.Observe(&other, "")
	late := store.Message{ID: "srv-3", ChannelID: "c1", AuthorID: "me",
		CreatedAt: t0.Add(time.Hour), UpdatedAt: t0.Add(time.Hour), Content: store.Content{Text: "hello"}}
	o.Observe(&late, "")

	st.ApplyInsert(other)
	st.ApplyInsert(late)
	assert.Equal(t, 1, o.PendingSends())
	assert.Equal(t, 3, st.Len("c1"), "temp entry plus two foreign messages")
}

func TestEditOptimisticAndConfirmed(t *testing.T) {
	sender := &mockSender{}
	o, st := newOutbox(sender)

	st.ApplyInsert(store.Message{ID: "m1", ChannelID: "c1", AuthorID: "me",
		CreatedAt: t0.Add(-time.Hour), UpdatedAt: t0.Add(-time.Hour),
		Content: store.Content{Text: "original"}})

	p, err := o.Edit(context.Background(), "m1", "revised")
	require.NoError(t, err)

	got, _ := st.Get("m1")
	assert.Equal(t, "revised", got.Content.Text, "edit applied before confirmation")

	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, []string{"m1"}, sender.edited)
}

func TestEditDoesNotShadowServerTimestamp(t *testing.T) {
	sender := &mockSender{}
	o, st := newOutbox(sender)
	// The local clock runs well ahead of the server.
	o.SetClock(fixedClock{now: t0.Add(time.Hour)})

	st.ApplyInsert(store.Message{ID: "m1", ChannelID: "c1", AuthorID: "me",
		CreatedAt: t0, UpdatedAt: t0, Content: store.Content{Text: "original"}})

	p, err := o.Edit(context.Background(), "m1", "revised")
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	got, _ := st.Get("m1")
	assert.Equal(t, "revised", got.Content.Text)
	assert.Equal(t, t0, got.UpdatedAt, "optimistic edit keeps the prior timestamp")

	// The server's confirming event carries its own, slightly later
	// timestamp and must not be rejected as stale.
	st.ApplyEdit("m1", store.Content{Text: "revised"}, t0.Add(time.Second))
	got, _ = st.Get("m1")
	assert.Equal(t, t0.Add(time.Second), got.UpdatedAt)
}

func TestEditRollbackOnFailure(t *testing.T) {
	sender := &mockSender{editErr: errors.New("rejected")}
	o, st := newOutbox(sender)

	st.ApplyInsert(store.Message{ID: "m1", ChannelID: "c1", AuthorID: "me",
		CreatedAt: t0.Add(-time.Hour), UpdatedAt: t0.Add(-time.Hour),
		Content: store.Content{Text: "original"}})

	p, err := o.Edit(context.Background(), "m1", "revised")
	require.NoError(t, err)
	require.Error(t, p.Wait(context.Background()))

	got, _ := st.Get("m1")
	assert.Equal(t, "original", got.Content.Text)
	assert.Equal(t, t0.Add(-time.Hour), got.UpdatedAt)
}

func TestDeleteOptimisticAndRollback(t *testing.T) {
	sender := &mockSender{deleteErr: errors.New("rejected")}
	o, st := newOutbox(sender)

	original := store.Message{ID: "m1", ChannelID: "c1", AuthorID: "me",
		CreatedAt: t0.Add(-time.Hour), UpdatedAt: t0.Add(-time.Hour),
		Content: store.Content{Text: "keep me"}}
	st.ApplyInsert(original)

	p, err := o.Delete(context.Background(), "m1")
	require.NoError(t, err)
	require.Error(t, p.Wait(context.Background()))

	got, ok := st.Get("m1")
	require.True(t, ok, "failed delete restores the message")
	assert.Equal(t, "keep me", got.Content.Text)
}

func TestDeleteConfirmed(t *testing.T) {
	sender := &mockSender{}
	o, st := newOutbox(sender)

	st.ApplyInsert(store.Message{ID: "m1", ChannelID: "c1", AuthorID: "me",
		CreatedAt: t0, UpdatedAt: t0, Content: store.Content{Text: "bye"}})

	p, err := o.Delete(context.Background(), "m1")
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	_, ok := st.Get("m1")
	assert.False(t, ok)
	assert.Equal(t, []string{"m1"}, sender.deleted)
}

func TestMutateUnknownOrLocalMessage(t *testing.T) {
	sender := &mockSender{block: make(chan struct{})}
	defer close(sender.block)
	o, st := newOutbox(sender)

	_, err := o.Edit(context.Background(), "ghost", "x")
	assert.Error(t, err)
	_, err = o.Delete(context.Background(), "ghost")
	assert.Error(t, err)

	// An unconfirmed optimistic entry cannot be edited or deleted.
	_, err = o.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)
	localID := st.Timeline("c1")[0].Message.ID
	_, err = o.Edit(context.Background(), localID, "x")
	assert.Error(t, err)
	_, err = o.Delete(context.Background(), localID)
	assert.Error(t, err)
}

func TestAbandonedSendStillApplied(t *testing.T) {
	sender := &mockSender{block: make(chan struct{})}
	o, st := newOutbox(sender)

	ctx, cancel := context.WithCancel(context.Background())
	p, err := o.Send(ctx, "c1", "hello")
	require.NoError(t, err)

	// Caller navigates away before the request finishes.
	cancel()
	close(sender.block)

	waitFor(t, func() bool { return o.PendingSends() == 0 })
	entries := st.Timeline("c1")
	require.Len(t, entries, 1)
	assert.Equal(t, "srv-1", entries[0].Message.ID, "completion applied despite abandonment")
	assert.Equal(t, StateConfirmed, p.State())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
