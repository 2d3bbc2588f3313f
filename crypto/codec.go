package crypto

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// PlaceholderText is what callers must render in place of content that
// failed decryption or signature verification. Rendering must never
// crash or drop a message over a bad envelope.
const PlaceholderText = "*The sender could not be verified...*"

// Outcome is the result of opening an envelope. When Verified is false
// the Plaintext field holds PlaceholderText.
type Outcome struct {
	Plaintext string
	Verified  bool
}

// outcomeKey identifies a memoized decryption. Message content is
// immutable, so the outcome only changes when the local key material
// does; the epoch component invalidates entries across rotations.
type outcomeKey struct {
	messageID string
	epoch     uint64
}

// Codec decrypts and verifies inbound envelopes and seals outbound
// ones. It owns the decrypted-content cache exclusively and may evict
// it at will; it is a cache, not a source of truth.
type Codec struct {
	keychain Keychain
	selfID   string

	mu       sync.Mutex
	epoch    uint64
	outcomes map[outcomeKey]Outcome
	remote   map[string]*RemoteKeys

	group singleflight.Group
}

// NewCodec creates a codec backed by the given keychain for the local
// user.
func NewCodec(keychain Keychain, selfID string) *Codec {
	return &Codec{
		keychain: keychain,
		selfID:   selfID,
		outcomes: make(map[outcomeKey]Outcome),
		remote:   make(map[string]*RemoteKeys),
	}
}

// Open decrypts the envelope with the local private key and checks the
// embedded signature against the author's signing key. peerID names the
// counterparty whose encryption key completes the box: the author for a
// received message, the other participant for a message the local user
// sealed themselves (the box shared key is the same from either side).
// Failures are not errors: a missing key, failed decryption, or bad
// signature all yield an unverified Outcome carrying PlaceholderText.
func (c *Codec) Open(ctx context.Context, messageID, authorID, peerID string, envelope *Envelope) Outcome {
	c.mu.Lock()
	key := outcomeKey{messageID: messageID, epoch: c.epoch}
	if cached, ok := c.outcomes[key]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	outcome := c.openUncached(ctx, messageID, authorID, peerID, envelope)

	c.mu.Lock()
	// The epoch may have advanced while we were decrypting; only cache
	// outcomes produced under the current key material.
	if key.epoch == c.epoch {
		c.outcomes[key] = outcome
	}
	c.mu.Unlock()

	return outcome
}

func (c *Codec) openUncached(ctx context.Context, messageID, authorID, peerID string, envelope *Envelope) Outcome {
	failed := Outcome{Plaintext: PlaceholderText, Verified: false}

	local, err := c.keychain.LocalKeys()
	if err != nil || local == nil || local.Encryption == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Open",
			"message_id": messageID,
			"error":      err,
		}).Warn("Local key material unavailable")
		return failed
	}

	// The signature is always the author's; for the local user's own
	// messages that key lives in the keychain, not the directory.
	var signingPK [32]byte
	if authorID == c.selfID {
		if local.Signing == nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Open",
				"message_id": messageID,
			}).Warn("Local signing key unavailable")
			return failed
		}
		signingPK = local.Signing.Public
	} else {
		author, err := c.senderKeys(ctx, authorID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Open",
				"message_id": messageID,
				"author_id":  authorID,
				"error":      err,
			}).Warn("Author key resolution failed")
			return failed
		}
		signingPK = author.Signing
	}

	peer, err := c.senderKeys(ctx, peerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Open",
			"message_id": messageID,
			"peer_id":    peerID,
			"error":      err,
		}).Warn("Peer key resolution failed")
		return failed
	}

	plaintext, err := envelope.open(peer.Encryption, signingPK, local.Encryption.Private)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Open",
			"message_id": messageID,
			"author_id":  authorID,
			"error":      err,
		}).Warn("Envelope verification failed")
		return failed
	}

	return Outcome{Plaintext: string(plaintext), Verified: true}
}

// senderKeys returns the cached public keys for a user, collapsing
// concurrent fetches for the same user into one keychain lookup.
func (c *Codec) senderKeys(ctx context.Context, userID string) (*RemoteKeys, error) {
	c.mu.Lock()
	if keys, ok := c.remote[userID]; ok {
		c.mu.Unlock()
		return keys, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(userID, func() (interface{}, error) {
		keys, err := c.keychain.PublicKeys(ctx, userID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.remote[userID] = keys
		c.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RemoteKeys), nil
}

// Seal encrypts and signs plaintext for the given recipient using the
// local identity from the keychain.
func (c *Codec) Seal(ctx context.Context, recipientID string, plaintext []byte) (*Envelope, error) {
	local, err := c.keychain.LocalKeys()
	if err != nil {
		return nil, err
	}

	recipient, err := c.senderKeys(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	return Seal(plaintext, recipient.Encryption, local)
}

// Rotate must be called when the local keychain's key material changes.
// Previously cached outcomes are not guaranteed valid under the new key,
// so the entire cache is dropped and the epoch advanced.
func (c *Codec) Rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.outcomes = make(map[outcomeKey]Outcome)

	logrus.WithFields(logrus.Fields{
		"function": "Rotate",
		"epoch":    c.epoch,
	}).Info("Local key material rotated, decryption cache invalidated")
}

// Epoch returns the current local key epoch.
func (c *Codec) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// ForgetUser evicts a user's cached public keys, forcing the next
// lookup to hit the keychain again.
func (c *Codec) ForgetUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.remote, userID)
}
