// Package app wires the cloudauth runtime: config, logging, the token refresher,
// the device client and the ops HTTP server (health, readiness, metrics).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"cloudauth/cmd/internal/auth/refresher"
	"cloudauth/cmd/internal/auth/token"
	"cloudauth/cmd/internal/devices"
	"cloudauth/cmd/internal/metrics"
	"cloudauth/cmd/internal/pake"
	"cloudauth/cmd/internal/stream"
	v1 "cloudauth/shared/contracts/devices/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// ErrDevicesDisabled is returned by device calls when no device client is configured.
var ErrDevicesDisabled = errors.New("device client disabled")

// App owns the long-lived components and the ops server.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	tokens *refresher.Refresher

	devices  *devices.Client
	identity devices.Identity
	rng      io.Reader
}

type options struct {
	login         pake.ClientLogin
	registration  pake.ClientRegistration
	refresherOpts []refresher.Option
	rng           io.Reader
}

// Option customizes New.
type Option func(*options)

// WithPAKE installs the PAKE suite used by device login and registration.
// Without it the device client stays disabled.
func WithPAKE(login pake.ClientLogin, registration pake.ClientRegistration) Option {
	return func(o *options) {
		o.login = login
		o.registration = registration
	}
}

// WithRefresherOptions forwards options to refresher.New.
func WithRefresherOptions(opts ...refresher.Option) Option {
	return func(o *options) { o.refresherOpts = append(o.refresherOpts, opts...) }
}

// WithRand sets the randomness source of device handshakes. Default is crypto/rand.
func WithRand(r io.Reader) Option { return func(o *options) { o.rng = r } }

// New constructs a fully wired App. When cfg carries an initial token pair the
// refresher is initialized with it before New returns.
func New(cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	rOpts := append([]refresher.Option{refresher.WithMetrics(m)}, o.refresherOpts...)
	tokens, err := refresher.New(log, cfg.Refresher, rOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  m,
		tokens:   tokens,
		rng:      o.rng,
	}

	if cfg.AccessToken != "" {
		if err := tokens.Init(context.Background(), token.Access(cfg.AccessToken), token.Refresh(cfg.RefreshToken)); err != nil {
			_ = tokens.Close()
			return nil, fmt.Errorf("initial session: %w", err)
		}
	}

	if err := a.setupDevices(o); err != nil {
		_ = tokens.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) setupDevices(o options) error {
	switch {
	case !a.cfg.StreamEnabled:
		a.log.Info("devices.disabled", "reason", "no_stream_url")
		return nil
	case a.cfg.DevicePubID == "":
		a.log.Warn("devices.disabled", "reason", "no_device_pub_id")
		return nil
	case o.login == nil || o.registration == nil:
		a.log.Warn("devices.disabled", "reason", "no_pake_suite")
		return nil
	}

	pubID, err := devices.ParsePubID(a.cfg.DevicePubID)
	if err != nil {
		return fmt.Errorf("%w: CLOUDAUTH_DEVICE_PUB_ID: %w", ErrConfig, err)
	}
	id, err := devices.NewIdentity(pubID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	dialer, err := stream.NewDialer(a.log, a.cfg.Stream)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	a.identity = id
	a.devices = devices.NewClient(a.log, streamerFor(dialer), o.login, o.registration, devices.WithMetrics(a.metrics))
	a.log.Info("devices.enabled", "pub_id", pubID.String(), "url", a.cfg.Stream.URL)
	return nil
}

// streamerFor adapts the WebSocket dialer to the device client's transport.
func streamerFor(d *stream.Dialer) devices.Streamer {
	return devices.StreamerFunc(func(ctx context.Context, first v1.Envelope) (devices.Stream, error) {
		conn, err := d.Open(ctx, first)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Tokens returns the refresher handle.
func (a *App) Tokens() *refresher.Refresher { return a.tokens }

// DeviceLogin runs the login handshake for the configured device with the
// current access token.
func (a *App) DeviceLogin(ctx context.Context) (pake.SecretKey, error) {
	if a.devices == nil {
		return pake.SecretKey{}, ErrDevicesDisabled
	}
	access, err := a.tokens.AccessToken(ctx)
	if err != nil {
		return pake.SecretKey{}, err
	}
	return a.devices.Hello(ctx, access, a.identity, a.rng)
}

// RegisterDevice registers the configured device with the current access token.
// An empty data.ConnectionID gets a fresh one.
func (a *App) RegisterDevice(ctx context.Context, data devices.RegisterData) (pake.SecretKey, error) {
	if a.devices == nil {
		return pake.SecretKey{}, ErrDevicesDisabled
	}
	access, err := a.tokens.AccessToken(ctx)
	if err != nil {
		return pake.SecretKey{}, err
	}
	if data.ConnectionID == "" {
		if data.ConnectionID, err = devices.NewConnectionID(); err != nil {
			return pake.SecretKey{}, err
		}
	}
	if data.OS == "" {
		data.OS = devices.CurrentOS()
	}
	return a.devices.Register(ctx, access, data, a.identity, a.rng)
}

// ListDevices returns the other devices on the account.
func (a *App) ListDevices(ctx context.Context) ([]devices.Device, error) {
	if a.devices == nil {
		return nil, ErrDevicesDisabled
	}
	access, err := a.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return a.devices.List(ctx, access, a.identity.PubID)
}

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.tokens, a.registry)
	return WithRequestLogging(mux, a.log)
}

// Run serves the ops endpoints on cfg.OpsAddr until ctx is cancelled or the
// listener fails. It does not close the refresher; call Close for that.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.OpsAddr)
	if err != nil {
		a.log.Error("server.listen.fail", "addr", a.cfg.OpsAddr, "err", err)
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	a.log.Info("server.start", "addr", ln.Addr().String(), "devices_enabled", a.devices != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		a.log.Info("server.stopped")
	}
	return err
}

// Close stops the refresher. It is safe to call more than once.
func (a *App) Close() error {
	return a.tokens.Close()
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
