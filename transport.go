package chatengine

import (
	"context"
	"time"

	"github.com/opd-ai/chatengine/store"
)

// EventStream delivers server-pushed events in arrival order. Next
// blocks until an event arrives, the stream ends (io.EOF), or the
// context is done. Reconnection is not this interface's concern; a
// broken stream simply ends.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Transport is the narrow interface the engine consumes from the
// network layer. The gateway package provides the standard
// implementation; tests supply fakes. The per-concern interfaces the
// sub-packages declare (store.PageFetcher, outbox.Sender,
// presence.TypingNotifier) are all subsets of this one, so a single
// Transport value wires the whole engine.
type Transport interface {
	// Subscribe opens the server-push event stream.
	Subscribe(ctx context.Context) (EventStream, error)

	// FetchMessages returns up to limit messages strictly older than
	// before, newest first. A zero before means "from the latest". A
	// short page signals exhausted history.
	FetchMessages(ctx context.Context, channelID string, before time.Time, limit int) ([]store.Message, error)

	// SendMessage creates a message, echoing nonce so the pushed event
	// can be matched to the originating send.
	SendMessage(ctx context.Context, channelID string, content store.Content, nonce string) (store.Message, error)

	EditMessage(ctx context.Context, messageID string, content store.Content) error
	DeleteMessage(ctx context.Context, messageID string) error

	// PostTyping emits a typing heartbeat for the local user.
	PostTyping(ctx context.Context, channelID string) error
}
