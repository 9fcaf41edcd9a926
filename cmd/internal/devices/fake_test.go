package devices

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "cloudauth/shared/contracts/devices/v1"
)

// pipeStream is an in-memory Stream. Closing out is a normal peer close.
type pipeStream struct {
	in  chan v1.Envelope
	out chan v1.Envelope

	mu      sync.Mutex
	aborted string
	closed  bool
}

func (p *pipeStream) Send(ctx context.Context, env v1.Envelope) error {
	select {
	case p.in <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeStream) Recv(ctx context.Context) (v1.Envelope, error) {
	select {
	case env, ok := <-p.out:
		if !ok {
			return v1.Envelope{}, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (p *pipeStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *pipeStream) Abort(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.aborted = reason
	}
	p.closed = true
	return nil
}

func (p *pipeStream) Aborted() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// serverFunc plays the device service for one stream. Returning closes the stream.
type serverFunc func(first v1.Envelope, in <-chan v1.Envelope, out chan<- v1.Envelope)

type fakeStreamer struct {
	serve serverFunc

	mu      sync.Mutex
	streams []*pipeStream
}

func (f *fakeStreamer) Open(ctx context.Context, first v1.Envelope) (Stream, error) {
	p := &pipeStream{in: make(chan v1.Envelope, 4), out: make(chan v1.Envelope, 4)}

	f.mu.Lock()
	f.streams = append(f.streams, p)
	f.mu.Unlock()

	go func() {
		defer close(p.out)
		f.serve(first, p.in, p.out)
	}()
	return p, nil
}

func (f *fakeStreamer) Last() *pipeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

// recvTimeout lets a fake server wait for the client's continuation without hanging a failed test.
func recvTimeout(in <-chan v1.Envelope) (v1.Envelope, bool) {
	select {
	case env := <-in:
		return env, true
	case <-time.After(2 * time.Second):
		return v1.Envelope{}, false
	}
}

func respond(out chan<- v1.Envelope, state string, msg []byte) {
	env, _ := v1.NewEnvelope(v1.TypeResponse, "srv", time.Now().UTC(), v1.ResponsePayload{State: state, Message: msg})
	out <- env
}

func respondError(out chan<- v1.Envelope, code, msg string) {
	env, _ := v1.NewEnvelope(v1.TypeError, "srv", time.Now().UTC(), v1.ErrorPayload{Code: code, Message: msg})
	out <- env
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustDecode(t *testing.T, env v1.Envelope, dst any) {
	t.Helper()
	if err := env.Decode(dst); err != nil {
		t.Errorf("Decode(%s)=%v", env.Type, err)
	}
}
