package refresher

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by AccessToken before Init succeeded.
	ErrNotInitialized = errors.New("token refresher not initialized")

	// ErrTokenExpired is returned by Init when the access token is already expired.
	ErrTokenExpired = errors.New("access token expired")

	// ErrMalformedToken is returned by Init when the access token claims cannot be decoded.
	ErrMalformedToken = errors.New("malformed access token")

	// ErrMissingRefreshToken is returned by Init when the refresh token is empty.
	ErrMissingRefreshToken = errors.New("missing refresh token")

	// ErrFailedToRefresh is returned by AccessToken while no token is held after Init:
	// a refresh is in flight or the last one failed. Callers recover by calling Init.
	ErrFailedToRefresh = errors.New("failed to refresh access token")

	// ErrMissingTokensOnRefresh is returned when a successful refresh response lacks either token.
	ErrMissingTokensOnRefresh = errors.New("missing tokens on refresh response")

	// ErrTransientTransport classifies HTTP failures of the refresh exchange. Not retried here.
	ErrTransientTransport = errors.New("refresh transport failure")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("token refresher closed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// TransportError carries the failing step of a refresh exchange.
// StatusCode is set when the server answered with a non-2xx status.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s: status %d", ErrTransientTransport.Error(), e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", ErrTransientTransport.Error(), e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", ErrTransientTransport.Error(), e.Op)
	}
}

func (e TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransientTransport}
	}
	return []error{ErrTransientTransport, e.Err}
}
