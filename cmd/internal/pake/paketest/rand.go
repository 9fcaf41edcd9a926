// Package paketest provides deterministic stand-ins for PAKE tests: a seeded
// randomness source and a toy two-round suite with a matching server side.
//
// The suite is NOT a secure PAKE. It keeps the message shapes and sequencing of a
// real one so handshake drivers can be tested end to end.
package paketest

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20"
)

// DeterministicReader is an io.Reader over a ChaCha20 keystream. Two readers built
// from the same seed produce identical bytes.
type DeterministicReader struct {
	c *chacha20.Cipher
}

// NewDeterministicReader derives the stream key from seed.
func NewDeterministicReader(seed string) *DeterministicReader {
	key := sha256.Sum256([]byte(seed))
	var nonce [chacha20.NonceSize]byte

	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed above.
		panic(err)
	}
	return &DeterministicReader{c: c}
}

func (r *DeterministicReader) Read(p []byte) (int, error) {
	clear(p)
	r.c.XORKeyStream(p, p)
	return len(p), nil
}

var _ io.Reader = (*DeterministicReader)(nil)
