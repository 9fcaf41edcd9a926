package refresher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"cloudauth/cmd/internal/auth/token"
	"cloudauth/cmd/internal/metrics"

	"github.com/jonboulle/clockwork"
)

// Refresher is the handle to the token worker. It is safe for concurrent use and
// is meant to be constructed once and passed to whoever needs an access token.
type Refresher struct {
	log *slog.Logger

	reqs     chan message
	triggers chan refreshTime

	// gens hands out schedule generations. It outlives worker restarts so events
	// from a dead worker never match a live one.
	gens atomic.Uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Status is a point-in-time view of the worker state.
type Status struct {
	Initialized bool
	HasToken    bool
	Refreshing  bool
	ExpiresAt   time.Time
}

type options struct {
	clock     clockwork.Clock
	exchanger Exchanger
	client    *http.Client
	metrics   *metrics.Metrics
}

// Option customizes New.
type Option func(*options)

// WithClock replaces the wall clock (tests use a fake clock).
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithExchanger replaces the HTTP refresh exchange.
func WithExchanger(e Exchanger) Option { return func(o *options) { o.exchanger = e } }

// WithHTTPClient sets the client used by the default HTTP exchanger.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// New validates cfg and starts the supervised worker. Call Close to stop it.
func New(log *slog.Logger, cfg Config, opts ...Option) (*Refresher, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()

	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.exchanger == nil {
		refreshURL, err := cfg.RefreshURL()
		if err != nil {
			return nil, fmt.Errorf("refresher: %w", err)
		}
		o.exchanger = NewHTTPExchanger(log, o.client, refreshURL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Refresher{
		log:      log,
		reqs:     make(chan message, cfg.QueueSize),
		triggers: make(chan refreshTime, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go r.supervise(ctx, cfg, o)
	return r, nil
}

// Init installs a fresh access/refresh pair and arms the next refresh.
// It fully replaces any previous pair. An expired or undecodable access token, or
// an empty refresh token, is rejected and leaves the previous state untouched.
func (r *Refresher) Init(ctx context.Context, access token.Access, refresh token.Refresh) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, initMsg{access: access, refresh: refresh, reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// AccessToken returns the cached access token. It never waits for a refresh in
// flight; it reports ErrFailedToRefresh instead.
func (r *Refresher) AccessToken(ctx context.Context) (token.Access, error) {
	reply := make(chan tokenReply, 1)
	if err := r.send(ctx, tokenMsg{reply: reply}); err != nil {
		return "", err
	}

	select {
	case res := <-reply:
		return res.access, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return "", ErrClosed
	}
}

// Status reports the worker state without exposing tokens.
func (r *Refresher) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := r.send(ctx, statusMsg{reply: reply}); err != nil {
		return Status{}, err
	}

	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-r.done:
		return Status{}, ErrClosed
	}
}

// Close stops the worker and any pending schedule. It is idempotent.
func (r *Refresher) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
	})
	return nil
}

func (r *Refresher) send(ctx context.Context, msg message) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	select {
	case r.reqs <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// supervise restarts the worker after a panic. A restarted worker starts
// uninitialized and keeps draining the same request channel.
func (r *Refresher) supervise(ctx context.Context, cfg Config, o options) {
	defer close(r.done)

	for {
		if !r.runOnce(ctx, cfg, o) || ctx.Err() != nil {
			return
		}
		o.metrics.WorkerRestarted()
		o.metrics.SetAccessExpiry(time.Time{})
		r.log.Error("refresher.worker.restart")
	}
}

func (r *Refresher) runOnce(ctx context.Context, cfg Config, o options) (panicked bool) {
	defer func() {
		if p := recover(); p != nil {
			panicked = true
			r.log.Error("refresher.worker.panic", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		}
	}()

	w := &worker{
		log:       r.log,
		cfg:       cfg,
		clock:     o.clock,
		exchanger: o.exchanger,
		metrics:   o.metrics,
		gens:      &r.gens,
		triggers:  r.triggers,
		results:   make(chan refreshResult, 1),
	}
	w.run(ctx, r.reqs)
	return false
}
