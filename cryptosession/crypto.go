// Package cryptosession implements the NaCl-box primitives the handshake
// and relay protocol build on: ephemeral session establishment, anonymous
// sealed boxes, and the bit-invert challenge response.
package cryptosession

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

const (
	KeySize   = 32
	NonceSize = 24
)

// KeyPair is a NaCl box keypair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a fresh ephemeral or long-term NaCl box keypair.
func GenerateKeyPair() (KeyPair, error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: *pk, Private: *sk}, nil
}

// Seal encrypts m for the recipient public key, authenticated as coming from
// the sender secret key, under a fresh random nonce prepended to the
// ciphertext.
func Seal(m []byte, recipientPublic, senderSecret [KeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	c := box.Seal(nil, m, &nonce, &recipientPublic, &senderSecret)
	return append(nonce[:], c...), nil
}

// Open decrypts a nonce-prefixed ciphertext produced by Seal.
func Open(nonceAndCiphertext []byte, senderPublic, recipientSecret [KeySize]byte) ([]byte, error) {
	if len(nonceAndCiphertext) < NonceSize {
		return nil, fmt.Errorf("cryptosession: ciphertext shorter than nonce")
	}
	var nonce [NonceSize]byte
	copy(nonce[:], nonceAndCiphertext[:NonceSize])
	m, ok := box.Open(nil, nonceAndCiphertext[NonceSize:], &nonce, &senderPublic, &recipientSecret)
	if !ok {
		return nil, fmt.Errorf("cryptosession: open failed")
	}
	return m, nil
}

// SealAnonymous encrypts m for recipientPublic without the sender needing a
// keypair of their own: an ephemeral keypair is generated per call and its
// public half is prepended, with the nonce deterministically derived from
// (ephemeralPublic || recipientPublic) via blake2b, in the shape of
// libsodium's sealed-box construction. The nonce is the first 24 bytes of
// BLAKE2b-256, not libsodium's 24-byte BLAKE2b output, so ciphertexts are not
// interchangeable with libsodium's crypto_box_seal.
func SealAnonymous(m []byte, recipientPublic [KeySize]byte) ([]byte, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("cryptosession: empty message")
	}
	ephemeralPublic, ephemeralSecret, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	nonce := sealedBoxNonce(ephemeralPublic[:], recipientPublic[:])
	c := box.Seal(nil, m, &nonce, &recipientPublic, ephemeralSecret)
	return append(ephemeralPublic[:], c...), nil
}

// OpenAnonymous decrypts a ciphertext produced by SealAnonymous.
func OpenAnonymous(c []byte, recipientPublic, recipientSecret [KeySize]byte) ([]byte, error) {
	if len(c) < KeySize {
		return nil, fmt.Errorf("cryptosession: ciphertext shorter than ephemeral key")
	}
	var ephemeralPublic [KeySize]byte
	copy(ephemeralPublic[:], c[:KeySize])
	nonce := sealedBoxNonce(ephemeralPublic[:], recipientPublic[:])
	m, ok := box.Open(nil, c[KeySize:], &nonce, &ephemeralPublic, &recipientSecret)
	if !ok {
		return nil, fmt.Errorf("cryptosession: verify failed")
	}
	return m, nil
}

func sealedBoxNonce(ephemeralPublic, recipientPublic []byte) [NonceSize]byte {
	preimage := append(append([]byte{}, ephemeralPublic...), recipientPublic...)
	full := blake2b.Sum256(preimage)
	var n [NonceSize]byte
	copy(n[:], full[:NonceSize])
	return n
}

// BitInvert flips every bit of b, producing a fresh slice. Used by the
// relay and peer challenge-response protocols to prove possession of a
// private key without revealing it.
func BitInvert(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = ^v
	}
	return out
}

// ConstantTimeEqual reports whether a and b are equal using constant-time
// comparison, required whenever verifying a challenge response derived from
// secret material.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DeriveSessionKey combines the peer's ephemeral public key with this side's
// ephemeral secret key into a shared session key via box.Precompute, used once both
// sides have exchanged ephemeral keys in handshake sub-protocol (a).
func DeriveSessionKey(peerEphemeralPublic, ownEphemeralSecret [KeySize]byte) [KeySize]byte {
	var shared [KeySize]byte
	box.Precompute(&shared, &peerEphemeralPublic, &ownEphemeralSecret)
	return shared
}
