package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// Nonce is a 24-byte value used for envelope encryption.
type Nonce [24]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Maximum plaintext size (1MB to prevent excessive memory usage)
const MaxPlaintextSize = 1024 * 1024

// signatureSize is the size of the Ed25519 signature prefixed to the
// plaintext inside the sealed box.
const signatureSize = ed25519.SignatureSize

// Envelope is the encrypted, signed wrapper around message plaintext
// exchanged between participants. The ciphertext is an authenticated
// NaCl box over (signature || plaintext); the signature is produced by
// the sender's signing key so the recipient can verify authorship after
// decryption.
type Envelope struct {
	Nonce      Nonce  `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal signs the plaintext with the sender's signing key and encrypts
// signature plus plaintext to the recipient's encryption key.
func Seal(plaintext []byte, recipientPK [32]byte, sender *LocalIdentity) (*Envelope, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, errors.New("plaintext too large")
	}
	if sender == nil || sender.Encryption == nil || sender.Signing == nil {
		return nil, errors.New("incomplete sender identity")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	signingKey := ed25519.NewKeyFromSeed(sender.Signing.Seed[:])
	payload := make([]byte, 0, signatureSize+len(plaintext))
	payload = append(payload, ed25519.Sign(signingKey, plaintext)...)
	payload = append(payload, plaintext...)

	ciphertext := box.Seal(nil, payload, (*[24]byte)(&nonce), &recipientPK, &sender.Encryption.Private)

	return &Envelope{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// open decrypts the envelope against the counterparty's encryption key
// and verifies the embedded signature against the author's signing key.
// The box shared key is symmetric, so the same counterparty key opens
// both received envelopes and ones the holder of localSK sealed.
// Any failure yields an error; callers decide how to surface it.
func (e *Envelope) open(peerPK, authorSigningPK [32]byte, localSK [32]byte) ([]byte, error) {
	if len(e.Ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	payload, ok := box.Open(nil, e.Ciphertext, (*[24]byte)(&e.Nonce), &peerPK, &localSK)
	if !ok {
		return nil, errors.New("decryption failed")
	}
	if len(payload) <= signatureSize {
		return nil, errors.New("payload too short for signature")
	}

	signature := payload[:signatureSize]
	plaintext := payload[signatureSize:]
	if !ed25519.Verify(authorSigningPK[:], plaintext, signature) {
		return nil, errors.New("signature verification failed")
	}

	return plaintext, nil
}
