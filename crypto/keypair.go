// Package crypto implements the cryptographic envelope codec for the
// conversation engine.
//
// This package handles key material, envelope encryption/decryption, and
// sender signature verification using the NaCl cryptography library
// through Go's x/crypto packages. Key generation and exchange happen
// elsewhere; a Keychain collaborator supplies already-negotiated keys.
//
// Example:
//
//	codec := crypto.NewCodec(keychain, selfID)
//	outcome := codec.Open(ctx, msg.ID, msg.AuthorID, peerID, envelope)
//	if !outcome.Verified {
//	    fmt.Println(crypto.PlaceholderText)
//	}
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a NaCl crypto_box key pair used for envelope
// encryption.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey creates a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], publicKey)
	return kp, nil
}

// SigningKeyPair represents an Ed25519 key pair used for message
// signatures. The private key is stored as a 32-byte seed.
type SigningKeyPair struct {
	Public [32]byte
	Seed   [32]byte
}

// GenerateSigningKeyPair creates a new random Ed25519 signing key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	skp := &SigningKeyPair{}
	copy(skp.Public[:], public)
	copy(skp.Seed[:], private.Seed())
	return skp, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
