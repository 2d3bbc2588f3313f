package crypto

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by a Keychain when no key material exists
// for the requested user.
var ErrKeyNotFound = errors.New("crypto: key not found")

// LocalIdentity holds the local user's negotiated key material.
type LocalIdentity struct {
	Encryption *KeyPair
	Signing    *SigningKeyPair
}

// RemoteKeys holds a remote participant's public key material.
type RemoteKeys struct {
	Encryption [32]byte
	Signing    [32]byte
}

// Keychain supplies already-negotiated key material. Implementations
// live outside this module (the keychain subsystem); this package only
// reads from them. PublicKeys may hit the network on a cache miss and
// must honor the context.
type Keychain interface {
	LocalKeys() (*LocalIdentity, error)
	PublicKeys(ctx context.Context, userID string) (*RemoteKeys, error)
}
