package cryptosession

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// DirectionalCipher wraps a shared session key with a monotonically
// incrementing nonce, used one direction at a time (one instance for
// encrypting outgoing frames, a separate instance for decrypting incoming
// ones) so the two directions never reuse a nonce under the same key. This
// backs framedconn's EncryptionPlugin.
type DirectionalCipher struct {
	mu      sync.Mutex
	key     [KeySize]byte
	counter uint64
	// parity distinguishes the two directions sharing one session key: the
	// initiator encrypts with parity 0, the acceptor with parity 1, so their
	// nonce counters never collide even though both start at zero.
	parity byte
}

// NewDirectionalCipher returns a cipher for one direction of traffic over a
// session established with DeriveSessionKey.
func NewDirectionalCipher(sessionKey [KeySize]byte, parity byte) *DirectionalCipher {
	return &DirectionalCipher{key: sessionKey, parity: parity}
}

func (c *DirectionalCipher) nonceFor(counter uint64) [24]byte {
	var nonce [24]byte
	nonce[0] = c.parity
	for i := 0; i < 8; i++ {
		nonce[1+i] = byte(counter >> (8 * i))
	}
	return nonce
}

// Seal encrypts and authenticates m, advancing this direction's counter.
func (c *DirectionalCipher) Seal(m []byte) []byte {
	c.mu.Lock()
	nonce := c.nonceFor(c.counter)
	c.counter++
	c.mu.Unlock()
	return secretbox.Seal(nonce[:], m, &nonce, &c.key)
}

// Open decrypts a frame produced by the peer's Seal, requiring the nonce
// embedded in the frame to match this direction's expected counter exactly
// so reordered or replayed frames are rejected.
func (c *DirectionalCipher) Open(framed []byte) ([]byte, error) {
	if len(framed) < 24 {
		return nil, fmt.Errorf("cryptosession: frame shorter than nonce")
	}
	var nonce [24]byte
	copy(nonce[:], framed[:24])

	c.mu.Lock()
	expected := c.nonceFor(c.counter)
	c.counter++
	c.mu.Unlock()

	if !ConstantTimeEqual(nonce[:], expected[:]) {
		return nil, fmt.Errorf("cryptosession: out-of-order or replayed nonce")
	}
	m, ok := secretbox.Open(nil, framed[24:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("cryptosession: decryption failed")
	}
	return m, nil
}
