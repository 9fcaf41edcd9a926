package devices

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolDesync means the server sent a message the current phase does not
	// allow. The attempt is aborted and must not be retried as-is.
	ErrProtocolDesync = errors.New("device protocol desync")

	// ErrCommunication covers streams that fail or close before a response arrives.
	ErrCommunication = errors.New("device communication error")

	// ErrKeyExchange is returned when the PAKE start or finish step fails.
	ErrKeyExchange = errors.New("device key exchange failed")

	// ErrRemote is returned when the server answers with an error envelope.
	ErrRemote = errors.New("device service error")

	// ErrInvalidInput is returned for missing or malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// DesyncError records where an unexpected message arrived.
type DesyncError struct {
	Flow  string
	Phase string
	Got   string
}

func (e DesyncError) Error() string {
	return fmt.Sprintf("%s: %s %s: unexpected %q", ErrProtocolDesync.Error(), e.Flow, e.Phase, e.Got)
}

func (e DesyncError) Unwrap() error { return ErrProtocolDesync }

// CommError wraps a transport failure of one step of a flow.
type CommError struct {
	Flow string
	Op   string
	Err  error
}

func (e CommError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrCommunication.Error(), e.Flow, e.Op, e.Err)
}

func (e CommError) Unwrap() []error { return []error{ErrCommunication, e.Err} }

// RemoteError is an error envelope sent by the device service.
type RemoteError struct {
	Code    string
	Message string
}

func (e RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", ErrRemote.Error(), e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", ErrRemote.Error(), e.Code, e.Message)
}

func (e RemoteError) Unwrap() error { return ErrRemote }
