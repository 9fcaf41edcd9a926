// Package stream carries device protocol envelopes over a WebSocket.
//
// One Conn is one streaming call: the opening request, any continuations and the
// server's responses. It is not shared between calls.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"cloudauth/cmd/identity/ids"
	v1 "cloudauth/shared/contracts/devices/v1"

	"github.com/coder/websocket"
)

var (
	// ErrSubprotocol is returned when the server does not select the device subprotocol.
	ErrSubprotocol = errors.New("stream: subprotocol not negotiated")

	// ErrInvalidEnvelope is returned by Recv for frames that are not valid envelopes.
	ErrInvalidEnvelope = errors.New("stream: invalid envelope")
)

// Dialer opens device streams against one endpoint.
type Dialer struct {
	log *slog.Logger
	cfg Config
	ids *ids.Generator
}

// NewDialer validates cfg. A nil log falls back to JSON on stdout.
func NewDialer(log *slog.Logger, cfg Config) (*Dialer, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{log: log, cfg: cfg.withDefaults(), ids: ids.NewGenerator(nil)}, nil
}

// Open dials the endpoint and sends first as the opening request.
func (d *Dialer) Open(ctx context.Context, first v1.Envelope) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	if d.cfg.Origin != "" {
		h.Set("Origin", d.cfg.Origin)
	}

	ws, resp, err := websocket.Dial(dctx, d.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		d.log.Warn("stream.dial.fail", "url", d.cfg.URL, "err", err)
		return nil, fmt.Errorf("dial: %w", err)
	}

	if ws.Subprotocol() != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, ErrSubprotocol
	}

	ws.SetReadLimit(d.cfg.ReadLimit)

	c := &Conn{
		log:          d.log,
		ws:           ws,
		ids:          d.ids,
		writeTimeout: d.cfg.WriteTimeout,
	}

	if err := c.Send(ctx, first); err != nil {
		_ = c.Abort("opening request failed")
		return nil, err
	}

	d.log.Debug("stream.open", "type", first.Type)
	return c, nil
}

// Conn is one open device stream.
type Conn struct {
	log          *slog.Logger
	ws           *websocket.Conn
	ids          *ids.Generator
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Send writes env, filling in version, id and timestamp when unset.
func (c *Conn) Send(ctx context.Context, env v1.Envelope) error {
	if env.V == "" {
		env.V = v1.Version
	}
	now := time.Now().UTC()
	if env.TS.IsZero() {
		env.TS = now
	}
	if env.ID == "" {
		id, err := c.ids.New(now)
		if err != nil {
			return err
		}
		env.ID = id
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return writeEnvelope(ctx, c.ws, env, c.writeTimeout)
}

// Recv reads the next envelope. A peer closing the stream normally yields io.EOF.
func (c *Conn) Recv(ctx context.Context) (v1.Envelope, error) {
	env, err := readEnvelope(ctx, c.ws)
	if err == nil {
		return env, nil
	}
	if ctx.Err() != nil {
		return v1.Envelope{}, ctx.Err()
	}

	switch classifyReadErr(err) {
	case readErrClose:
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			return v1.Envelope{}, io.EOF
		}
		return v1.Envelope{}, fmt.Errorf("stream closed with status %d: %w", status, err)
	case readErrConnClosed:
		return v1.Envelope{}, io.EOF
	case readErrCtxDone, readErrBadFrame:
		return v1.Envelope{}, err
	default:
		c.log.Debug("stream.read.fail", "err", err)
		return v1.Envelope{}, err
	}
}

// Close ends the stream normally. It is idempotent.
func (c *Conn) Close() error {
	return c.close(websocket.StatusNormalClosure, "bye")
}

// Abort ends the stream with a protocol-error status.
func (c *Conn) Abort(reason string) error {
	return c.close(websocket.StatusProtocolError, reason)
}

func (c *Conn) close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		err := c.ws.Close(code, reason)
		if err != nil && !isClosedErr(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: unsupported message type: %v", ErrInvalidEnvelope, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadFrame
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if isClosedErr(err) {
		return readErrConnClosed
	}
	if errors.Is(err, ErrInvalidEnvelope) {
		return readErrBadFrame
	}
	return readErrUnknown
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	// coder/websocket reports reads on a closed conn with this text rather than a sentinel.
	return strings.Contains(err.Error(), "use of closed network connection")
}
