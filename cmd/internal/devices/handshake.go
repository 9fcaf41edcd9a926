package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloudauth/cmd/internal/metrics"
	"cloudauth/cmd/internal/pake"
	v1 "cloudauth/shared/contracts/devices/v1"
)

// Handshake phases, as reported in DesyncError and CommError.
const (
	phaseKeyExchange  = "key exchange response"
	phaseConfirmation = "confirmation"
)

// handshake describes one PAKE flow. S is the flow's ephemeral client state.
type handshake[S any] struct {
	flow string

	// responseState is the state the server must answer round 1 with.
	responseState string

	start        func() ([]byte, S, error)
	open         func(startMsg []byte) (v1.Envelope, error)
	finish       func(state S, response []byte) (pake.FinishResult, error)
	continuation func(finishMsg []byte) (v1.Envelope, error)
}

// runHandshake drives both rounds of h over one stream.
//
// Round 1 must be answered by exactly one key-exchange response and round 2 by
// exactly one end confirmation. Anything else is a desync; the stream is aborted
// and the attempt fails without retry. The ephemeral state and export key are
// wiped on every return path.
func runHandshake[S any](ctx context.Context, c *Client, h handshake[S]) (key pake.SecretKey, err error) {
	started := time.Now()
	log := c.log.With("flow", h.flow)

	defer func() {
		if p := recover(); p != nil {
			log.Error("devices.handshake.panic", "panic", fmt.Sprint(p))
			panic(p)
		}

		outcome := handshakeOutcome(ctx, err)
		c.metrics.ObserveHandshake(h.flow, outcome, time.Since(started))

		switch outcome {
		case metrics.HandshakeOK:
			log.Info("devices.handshake.ok", "duration_ms", time.Since(started).Milliseconds())
		case metrics.HandshakeDesync:
			log.Error("devices.handshake.desync", "err", err)
		default:
			log.Warn("devices.handshake.fail", "outcome", outcome, "err", err)
		}
	}()

	startMsg, state, err := h.start()
	if err != nil {
		return pake.SecretKey{}, fmt.Errorf("%w: %s start: %v", ErrKeyExchange, h.flow, err)
	}
	defer pake.Wipe(state)

	first, err := h.open(startMsg)
	if err != nil {
		return pake.SecretKey{}, fmt.Errorf("%s: build request: %w", h.flow, err)
	}

	s, err := c.streamer.Open(ctx, first)
	if err != nil {
		return pake.SecretKey{}, commError(ctx, h.flow, "open", err)
	}
	defer func() { _ = s.Close() }()

	// Round 1.
	resp, err := recvResponse(ctx, s, h.flow, phaseKeyExchange)
	if err != nil {
		return pake.SecretKey{}, err
	}
	if resp.State != h.responseState {
		return pake.SecretKey{}, desync(s, h.flow, phaseKeyExchange, resp.State)
	}

	res, err := h.finish(state, resp.Message)
	pake.Wipe(state)
	if err != nil {
		return pake.SecretKey{}, fmt.Errorf("%w: %s finish: %v", ErrKeyExchange, h.flow, err)
	}
	defer pake.WipeBytes(res.ExportKey)

	cont, err := h.continuation(res.Message)
	if err != nil {
		return pake.SecretKey{}, fmt.Errorf("%s: build continuation: %w", h.flow, err)
	}

	// Round 2.
	if err := s.Send(ctx, cont); err != nil {
		return pake.SecretKey{}, commError(ctx, h.flow, "send continuation", err)
	}

	resp, err = recvResponse(ctx, s, h.flow, phaseConfirmation)
	if err != nil {
		return pake.SecretKey{}, err
	}
	if resp.State != v1.StateEnd {
		return pake.SecretKey{}, desync(s, h.flow, phaseConfirmation, resp.State)
	}

	return pake.SecretKeyFromExport(res.ExportKey), nil
}

// recvResponse reads exactly one handshake response.
func recvResponse(ctx context.Context, s Stream, flow, phase string) (v1.ResponsePayload, error) {
	env, err := s.Recv(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return v1.ResponsePayload{}, commError(ctx, flow, "recv "+phase, err)
	}

	switch env.Type {
	case v1.TypeResponse:
	case v1.TypeError:
		return v1.ResponsePayload{}, remoteError(env)
	default:
		return v1.ResponsePayload{}, desync(s, flow, phase, env.Type)
	}

	var p v1.ResponsePayload
	if err := env.Decode(&p); err != nil {
		return v1.ResponsePayload{}, desync(s, flow, phase, "undecodable response")
	}
	return p, nil
}

func desync(s Stream, flow, phase, got string) error {
	_ = s.Abort("protocol desync")
	return DesyncError{Flow: flow, Phase: phase, Got: got}
}

// commError reports a caller cancellation as the context error rather than a
// transport failure.
func commError(ctx context.Context, flow, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return CommError{Flow: flow, Op: op, Err: err}
}

func remoteError(env v1.Envelope) error {
	var p v1.ErrorPayload
	if err := env.Decode(&p); err != nil || p.Code == "" {
		return RemoteError{Code: "unknown"}
	}
	return RemoteError{Code: p.Code, Message: p.Message}
}

func handshakeOutcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return metrics.HandshakeOK
	case errors.Is(err, ErrProtocolDesync):
		return metrics.HandshakeDesync
	case errors.Is(err, ErrKeyExchange):
		return metrics.HandshakeKeyExchange
	case errors.Is(err, ErrRemote):
		return metrics.HandshakeRemote
	case ctx.Err() != nil:
		return metrics.HandshakeCanceled
	default:
		return metrics.HandshakeCommunication
	}
}
