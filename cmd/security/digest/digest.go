package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"lukechampine.com/blake3"
)

// SecretSize is the byte length of an identity secret.
const SecretSize = 32

// fingerprintBytes is the number of digest bytes kept in a fingerprint (12 hex chars).
const fingerprintBytes = 6

// ErrEmptyInput is returned when an identity secret is requested for an empty id.
var ErrEmptyInput = errors.New("digest: empty input")

// IdentitySecret hashes a device public id into the fixed-size secret used as PAKE password input.
// It is BLAKE3-256 of the raw id bytes; devices registered by other clients depend on it.
func IdentitySecret(pubID []byte) ([SecretSize]byte, error) {
	if len(pubID) == 0 {
		return [SecretSize]byte{}, ErrEmptyInput
	}
	return blake3.Sum256(pubID), nil
}

// Fingerprint returns a short SHA-256 hex prefix of s for log correlation.
// Empty input yields an empty fingerprint.
func Fingerprint(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:fingerprintBytes])
}
