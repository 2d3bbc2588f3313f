package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time provider.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)}
}

func TestTypingExpiry(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTrackerWithClock(clock)

	tracker.MarkTyping("c1", "alice")
	assert.Equal(t, []string{"alice"}, tracker.Typing("c1", "me"))

	// Still present right at the TTL boundary minus a tick.
	clock.advance(6999 * time.Millisecond)
	assert.Equal(t, []string{"alice"}, tracker.Typing("c1", "me"))

	// Gone at T+7001ms with no refresh.
	clock.advance(2 * time.Millisecond)
	assert.Empty(t, tracker.Typing("c1", "me"))
}

func TestTypingRefreshExtends(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTrackerWithClock(clock)

	tracker.MarkTyping("c1", "alice")
	clock.advance(5 * time.Second)
	tracker.MarkTyping("c1", "alice")
	clock.advance(5 * time.Second)

	assert.Equal(t, []string{"alice"}, tracker.Typing("c1", "me"))
}

func TestTypingExcludesLocalUser(t *testing.T) {
	tracker := NewTrackerWithClock(newFakeClock())

	tracker.MarkTyping("c1", "me")
	tracker.MarkTyping("c1", "bob")
	tracker.MarkTyping("c1", "alice")

	assert.Equal(t, []string{"alice", "bob"}, tracker.Typing("c1", "me"))
}

func TestStopTypingImmediate(t *testing.T) {
	tracker := NewTrackerWithClock(newFakeClock())

	tracker.MarkTyping("c1", "alice")
	tracker.StopTyping("c1", "alice")

	assert.Empty(t, tracker.Typing("c1", "me"))
}

func TestExpireSweep(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTrackerWithClock(clock)

	tracker.MarkTyping("c1", "alice")
	tracker.MarkTyping("c2", "bob")
	clock.advance(3 * time.Second)
	tracker.MarkTyping("c2", "carol")

	tracker.Expire(clock.Now().Add(5 * time.Second))

	assert.Empty(t, tracker.Typing("c1", "me"), "alice expired")
	assert.Equal(t, []string{"carol"}, tracker.Typing("c2", "me"))
}

func TestDropChannel(t *testing.T) {
	tracker := NewTrackerWithClock(newFakeClock())
	tracker.MarkTyping("c1", "alice")

	tracker.DropChannel("c1")

	assert.Empty(t, tracker.Typing("c1", "me"))
}

// recordingNotifier counts heartbeat posts.
type recordingNotifier struct {
	mu    sync.Mutex
	posts []string
	err   error
}

func (n *recordingNotifier) PostTyping(_ context.Context, channelID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.posts = append(n.posts, channelID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.posts)
}

func TestHeartbeatFirstKeystrokeEmitsImmediately(t *testing.T) {
	notifier := &recordingNotifier{}
	hb := NewHeartbeatWithClock(notifier, newFakeClock())

	require.NoError(t, hb.InputChanged(context.Background(), "c1", "h"))
	assert.Equal(t, 1, notifier.count())
}

func TestHeartbeatThrottledWhileTyping(t *testing.T) {
	notifier := &recordingNotifier{}
	clock := newFakeClock()
	hb := NewHeartbeatWithClock(notifier, clock)

	ctx := context.Background()
	require.NoError(t, hb.InputChanged(ctx, "c1", "h"))
	for i := 0; i < 10; i++ {
		clock.advance(500 * time.Millisecond)
		require.NoError(t, hb.InputChanged(ctx, "c1", "hello"))
	}
	assert.Equal(t, 1, notifier.count(), "one emission per window")

	clock.advance(3 * time.Second) // crosses the 7s window
	require.NoError(t, hb.InputChanged(ctx, "c1", "hello there"))
	assert.Equal(t, 2, notifier.count())
}

func TestHeartbeatStopsWhenInputEmpties(t *testing.T) {
	notifier := &recordingNotifier{}
	clock := newFakeClock()
	hb := NewHeartbeatWithClock(notifier, clock)

	ctx := context.Background()
	require.NoError(t, hb.InputChanged(ctx, "c1", "h"))
	require.NoError(t, hb.InputChanged(ctx, "c1", ""))

	// Clearing the input resets the throttle, so the next keystroke
	// emits immediately even inside the old window.
	clock.advance(time.Second)
	require.NoError(t, hb.InputChanged(ctx, "c1", "again"))
	assert.Equal(t, 2, notifier.count())
}

func TestHeartbeatNotifierFailure(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("offline")}
	hb := NewHeartbeatWithClock(notifier, newFakeClock())

	err := hb.InputChanged(context.Background(), "c1", "h")
	assert.Error(t, err)

	// The failed emission must not consume the window.
	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()
	require.NoError(t, hb.InputChanged(context.Background(), "c1", "he"))
	assert.Equal(t, 1, notifier.count())
}

func TestHeartbeatPerChannelThrottle(t *testing.T) {
	notifier := &recordingNotifier{}
	hb := NewHeartbeatWithClock(notifier, newFakeClock())

	ctx := context.Background()
	require.NoError(t, hb.InputChanged(ctx, "c1", "a"))
	require.NoError(t, hb.InputChanged(ctx, "c2", "b"))
	assert.Equal(t, []string{"c1", "c2"}, notifier.posts)
}
