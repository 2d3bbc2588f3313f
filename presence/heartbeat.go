package presence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TypingNotifier delivers a typing heartbeat to the server. The gateway
// transport implements it.
type TypingNotifier interface {
	PostTyping(ctx context.Context, channelID string) error
}

// Heartbeat throttles the local user's own typing notifications. The
// first keystroke into an empty input emits immediately; while the
// input stays non-empty at most one heartbeat goes out per TypingTTL
// window; clearing the input stops emission without waiting for expiry.
type Heartbeat struct {
	notifier TypingNotifier
	clock    TimeProvider

	mu       sync.Mutex
	lastSent map[string]time.Time
	active   map[string]bool
}

// NewHeartbeat creates a heartbeat emitter for the given notifier.
func NewHeartbeat(notifier TypingNotifier) *Heartbeat {
	return NewHeartbeatWithClock(notifier, defaultClock{})
}

// NewHeartbeatWithClock creates a heartbeat emitter with a custom time
// provider.
func NewHeartbeatWithClock(notifier TypingNotifier, clock TimeProvider) *Heartbeat {
	if clock == nil {
		clock = defaultClock{}
	}
	return &Heartbeat{
		notifier: notifier,
		clock:    clock,
		lastSent: make(map[string]time.Time),
		active:   make(map[string]bool),
	}
}

// InputChanged reports the current state of the channel's compose input
// and emits a heartbeat when one is due. An empty input deactivates the
// channel so the next keystroke emits immediately again.
func (h *Heartbeat) InputChanged(ctx context.Context, channelID, input string) error {
	h.mu.Lock()

	if input == "" {
		delete(h.active, channelID)
		delete(h.lastSent, channelID)
		h.mu.Unlock()
		return nil
	}

	now := h.clock.Now()
	if h.active[channelID] && now.Sub(h.lastSent[channelID]) < TypingTTL {
		h.mu.Unlock()
		return nil
	}
	h.active[channelID] = true
	h.lastSent[channelID] = now
	h.mu.Unlock()

	if err := h.notifier.PostTyping(ctx, channelID); err != nil {
		// Losing a heartbeat only delays the indicator; allow the next
		// input change to retry immediately.
		h.mu.Lock()
		delete(h.lastSent, channelID)
		delete(h.active, channelID)
		h.mu.Unlock()
		return fmt.Errorf("presence: post typing: %w", err)
	}
	return nil
}

// Reset clears throttle state for a channel, for use when the compose
// box unmounts or a message is sent.
func (h *Heartbeat) Reset(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, channelID)
	delete(h.lastSent, channelID)
}
