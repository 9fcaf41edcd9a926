package pake

import "fmt"

// SecretKeySize is the length of the key derived from a successful handshake.
const SecretKeySize = 32

// SecretKey is the shared secret derived from a handshake's export key.
type SecretKey [SecretKeySize]byte

// SecretKeyFromExport reinterprets export as a SecretKey. A suite producing an
// export key of any other length is misconfigured, so this panics.
func SecretKeyFromExport(export []byte) SecretKey {
	if len(export) != SecretKeySize {
		panic(fmt.Sprintf("pake: export key is %d bytes, want %d", len(export), SecretKeySize))
	}
	var k SecretKey
	copy(k[:], export)
	return k
}

// String never prints key material.
func (k SecretKey) String() string { return "[redacted]" }

// GoString keeps %#v from printing key material.
func (k SecretKey) GoString() string { return "pake.SecretKey{[redacted]}" }

// IsZero reports whether k is the zero key.
func (k SecretKey) IsZero() bool { return k == SecretKey{} }

// Wipe zeroes the key.
func (k *SecretKey) Wipe() { clear(k[:]) }
