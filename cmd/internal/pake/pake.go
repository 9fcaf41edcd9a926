// Package pake declares the client side of a two-round password-authenticated key
// exchange. Concrete suites (OPAQUE or a test stand-in) plug in behind these
// interfaces; the device handshake only sequences them.
package pake

import (
	"errors"
	"io"
)

var (
	// ErrInvalidMessage is returned when a peer message cannot be parsed.
	ErrInvalidMessage = errors.New("pake: invalid message")

	// ErrAuthentication is returned when the peer's key-exchange material does not verify.
	ErrAuthentication = errors.New("pake: authentication failed")

	// ErrStateConsumed is returned when ephemeral state is finished twice or after a wipe.
	ErrStateConsumed = errors.New("pake: ephemeral state already consumed")
)

// FinishResult is what a client produces after the peer's response:
// the completion message for round 2 and the export key.
type FinishResult struct {
	Message   []byte
	ExportKey []byte
}

// ClientLogin starts a login. The returned state is single-use.
type ClientLogin interface {
	Start(rng io.Reader, password []byte) ([]byte, LoginState, error)
}

// LoginState finishes a login. Finish performs no I/O.
type LoginState interface {
	Finish(password, response []byte) (FinishResult, error)
}

// ClientRegistration starts a registration. The returned state is single-use.
type ClientRegistration interface {
	Start(rng io.Reader, password []byte) ([]byte, RegistrationState, error)
}

// RegistrationState finishes a registration. Unlike login it draws fresh
// randomness for the record it uploads.
type RegistrationState interface {
	Finish(rng io.Reader, password, response []byte) (FinishResult, error)
}

// Wiper is implemented by ephemeral state holding secret material.
type Wiper interface {
	Wipe()
}

// Wipe zeroes v if it holds secret material. It is a no-op for other values.
func Wipe(v any) {
	if w, ok := v.(Wiper); ok && w != nil {
		w.Wipe()
	}
}

// WipeBytes zeroes b in place.
func WipeBytes(b []byte) {
	clear(b)
}
