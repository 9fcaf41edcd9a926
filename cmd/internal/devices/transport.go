package devices

import (
	"context"

	v1 "cloudauth/shared/contracts/devices/v1"
)

// Stream is one bidirectional streaming call. Recv returns io.EOF when the peer
// closed the stream normally.
type Stream interface {
	Send(ctx context.Context, env v1.Envelope) error
	Recv(ctx context.Context) (v1.Envelope, error)
	Close() error

	// Abort closes the stream signalling a protocol error to the peer.
	Abort(reason string) error
}

// Streamer opens a stream whose opening request is first.
type Streamer interface {
	Open(ctx context.Context, first v1.Envelope) (Stream, error)
}

// StreamerFunc adapts a function to Streamer.
type StreamerFunc func(ctx context.Context, first v1.Envelope) (Stream, error)

func (f StreamerFunc) Open(ctx context.Context, first v1.Envelope) (Stream, error) {
	return f(ctx, first)
}
