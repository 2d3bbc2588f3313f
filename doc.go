// Package chatengine implements a client-side conversation engine: a
// local, paginated, per-channel message log synchronized with a remote
// service over a server-push event stream.
//
// The Engine owns one session's state — the message store, the
// cryptographic envelope codec, the typing-presence tracker, and the
// optimistic outbox — and dispatches each pushed event to exactly one
// of them, synchronously and in arrival order. Replayed events are
// harmless: every store mutation is idempotent or timestamp-gated.
//
// Example:
//
//	engine, err := chatengine.New(chatengine.Options{
//	    Transport: gatewayClient,
//	    Keychain:  keychain,
//	    SelfID:    gatewayClient.SelfID(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go engine.Run(ctx)
//
//	pending, _ := engine.Send(ctx, channelID, "hello")
//	err = pending.Wait(ctx)
package chatengine
