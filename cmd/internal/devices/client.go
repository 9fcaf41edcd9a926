// Package devices logs a device into the cloud service and registers new devices.
//
// Both flows run the same two-round PAKE exchange over one stream; the driver in
// handshake.go is shared and parameterized by flow. The unary device RPCs
// (get, list, delete, update) reuse the same transport.
package devices

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloudauth/cmd/internal/auth/token"
	"cloudauth/cmd/internal/metrics"
	"cloudauth/cmd/internal/pake"
	"cloudauth/cmd/security/digest"
	v1 "cloudauth/shared/contracts/devices/v1"
)

// Flow names used in errors, logs and metrics.
const (
	FlowHello    = "hello"
	FlowRegister = "register"
)

var timeNow = func() time.Time { return time.Now().UTC() }

// Client runs device flows. It holds no per-call state and is safe for concurrent use.
type Client struct {
	log      *slog.Logger
	streamer Streamer
	login    pake.ClientLogin
	reg      pake.ClientRegistration
	metrics  *metrics.Metrics
}

// Option customizes NewClient.
type Option func(*Client)

// WithMetrics enables handshake instrumentation.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// NewClient wires the transport and the PAKE suite. A nil log falls back to JSON on stdout.
func NewClient(log *slog.Logger, streamer Streamer, login pake.ClientLogin, reg pake.ClientRegistration, opts ...Option) *Client {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	c := &Client{log: log, streamer: streamer, login: login, reg: reg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterData describes the device being registered.
type RegisterData struct {
	Name          string
	OS            OS
	HardwareModel string
	StorageSize   uint64
	UsedStorage   uint64
	ConnectionID  string
}

func (d RegisterData) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: device name required", ErrInvalidInput)
	}
	if d.OS == "" {
		return fmt.Errorf("%w: device os required", ErrInvalidInput)
	}
	if strings.TrimSpace(d.ConnectionID) == "" {
		return fmt.Errorf("%w: connection id required", ErrInvalidInput)
	}
	if d.UsedStorage > d.StorageSize {
		return fmt.Errorf("%w: used storage exceeds storage size", ErrInvalidInput)
	}
	return nil
}

// Hello logs the device in and returns the key derived from the exchange.
// A nil rng uses crypto/rand.
func (c *Client) Hello(ctx context.Context, access token.Access, id Identity, rng io.Reader) (pake.SecretKey, error) {
	if err := checkCall(access, id); err != nil {
		return pake.SecretKey{}, err
	}
	if rng == nil {
		rng = rand.Reader
	}

	password := id.Secret[:]
	return runHandshake(ctx, c, handshake[pake.LoginState]{
		flow:          FlowHello,
		responseState: v1.StateLoginResponse,
		start: func() ([]byte, pake.LoginState, error) {
			return c.login.Start(rng, password)
		},
		open: func(msg []byte) (v1.Envelope, error) {
			return v1.NewEnvelope(v1.TypeHello, "", time.Time{}, v1.HelloPayload{
				AccessToken:        string(access),
				PubID:              id.PubID.String(),
				OpaqueLoginMessage: msg,
			})
		},
		finish: func(st pake.LoginState, response []byte) (pake.FinishResult, error) {
			return st.Finish(password, response)
		},
		continuation: func(msg []byte) (v1.Envelope, error) {
			return v1.NewEnvelope(v1.TypeHelloFinish, "", time.Time{}, v1.HelloFinishPayload{OpaqueLoginFinish: msg})
		},
	})
}

// Register registers the device and returns the key derived from the exchange.
// A nil rng uses crypto/rand.
func (c *Client) Register(ctx context.Context, access token.Access, data RegisterData, id Identity, rng io.Reader) (pake.SecretKey, error) {
	if err := checkCall(access, id); err != nil {
		return pake.SecretKey{}, err
	}
	if err := data.validate(); err != nil {
		return pake.SecretKey{}, err
	}
	if rng == nil {
		rng = rand.Reader
	}

	password := id.Secret[:]
	return runHandshake(ctx, c, handshake[pake.RegistrationState]{
		flow:          FlowRegister,
		responseState: v1.StateRegistrationResponse,
		start: func() ([]byte, pake.RegistrationState, error) {
			return c.reg.Start(rng, password)
		},
		open: func(msg []byte) (v1.Envelope, error) {
			return v1.NewEnvelope(v1.TypeRegister, "", time.Time{}, v1.RegisterPayload{
				AccessToken:           string(access),
				PubID:                 id.PubID.String(),
				Name:                  data.Name,
				OS:                    string(data.OS),
				HardwareModel:         data.HardwareModel,
				StorageSize:           data.StorageSize,
				UsedStorage:           data.UsedStorage,
				ConnectionID:          data.ConnectionID,
				OpaqueRegisterMessage: msg,
			})
		},
		finish: func(st pake.RegistrationState, response []byte) (pake.FinishResult, error) {
			return st.Finish(rng, password, response)
		},
		continuation: func(msg []byte) (v1.Envelope, error) {
			return v1.NewEnvelope(v1.TypeRegisterFinish, "", time.Time{}, v1.RegisterFinishPayload{OpaqueRegistrationFinish: msg})
		},
	})
}

func checkCall(access token.Access, id Identity) error {
	if err := requireAccess(access); err != nil {
		return err
	}
	if id.Secret == [digest.SecretSize]byte{} {
		return fmt.Errorf("%w: identity secret required", ErrInvalidInput)
	}
	return nil
}

func requireAccess(access token.Access) error {
	if strings.TrimSpace(string(access)) == "" {
		return fmt.Errorf("%w: access token required", ErrInvalidInput)
	}
	return nil
}
