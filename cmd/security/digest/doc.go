// Package digest provides the hashing primitives used around device identities and tokens.
//
// It is the single source of truth for:
//   - deriving the password-equivalent PAKE input from a device public id (BLAKE3-256)
//   - producing short, non-reversible token fingerprints that are safe to log
package digest
