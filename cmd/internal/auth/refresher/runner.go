package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cloudauth/cmd/internal/auth/token"
	"cloudauth/cmd/internal/metrics"
	"cloudauth/cmd/security/digest"

	"github.com/jonboulle/clockwork"
)

type message interface{ isMessage() }

type initMsg struct {
	access  token.Access
	refresh token.Refresh
	reply   chan<- error
}

type tokenReply struct {
	access token.Access
	err    error
}

type tokenMsg struct {
	reply chan<- tokenReply
}

type statusMsg struct {
	reply chan<- Status
}

func (initMsg) isMessage()   {}
func (tokenMsg) isMessage()  {}
func (statusMsg) isMessage() {}

type refreshResult struct {
	gen  uint64
	pair token.Pair
	err  error
	took time.Duration
}

// worker owns the session state. Only its run loop touches these fields.
type worker struct {
	log       *slog.Logger
	cfg       Config
	clock     clockwork.Clock
	exchanger Exchanger
	metrics   *metrics.Metrics

	gens     *atomic.Uint64
	triggers chan refreshTime
	results  chan refreshResult

	initialized bool
	access      token.Access
	refresh     token.Refresh
	expiresAt   time.Time

	// gen identifies the current schedule. Init and every re-arm take a new one.
	gen          uint64
	stopSchedule context.CancelFunc

	// At most one exchange is in flight. queued records a trigger for the
	// current session that arrived while an older exchange was still running.
	inflight bool
	queued   bool
}

func (w *worker) run(ctx context.Context, reqs <-chan message) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.disarm()

	for {
		select {
		case <-runCtx.Done():
			return
		case msg := <-reqs:
			w.handle(runCtx, msg)
		case t := <-w.triggers:
			w.onTrigger(runCtx, t)
		case res := <-w.results:
			w.onResult(runCtx, res)
		}
	}
}

func (w *worker) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case initMsg:
		m.reply <- w.init(ctx, m.access, m.refresh)
	case tokenMsg:
		m.reply <- w.token()
	case statusMsg:
		m.reply <- Status{
			Initialized: w.initialized,
			HasToken:    w.access != "",
			Refreshing:  w.inflight,
			ExpiresAt:   w.expiresAt,
		}
	default:
		panic(fmt.Sprintf("refresher: unknown message %T", msg))
	}
}

func (w *worker) init(ctx context.Context, access token.Access, refresh token.Refresh) error {
	if refresh == "" {
		return ErrMissingRefreshToken
	}
	exp, err := token.ExpiresAt(access)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	remaining := exp.Sub(w.clock.Now())
	if remaining <= 0 {
		return ErrTokenExpired
	}

	w.disarm()
	w.gen = w.gens.Add(1)
	w.initialized = true
	w.access = access
	w.refresh = refresh
	w.expiresAt = exp
	w.queued = false
	w.metrics.SetAccessExpiry(exp)

	w.log.Info("refresher.init",
		"gen", w.gen,
		"expires_in", remaining.Round(time.Second).String(),
		"refresh_fp", digest.Fingerprint(string(refresh)),
	)

	if remaining < w.cfg.Margin {
		w.trigger(ctx)
		return nil
	}
	w.arm(ctx, remaining-w.cfg.Margin)
	return nil
}

func (w *worker) token() tokenReply {
	switch {
	case w.access != "":
		return tokenReply{access: w.access}
	case !w.initialized:
		return tokenReply{err: ErrNotInitialized}
	default:
		return tokenReply{err: ErrFailedToRefresh}
	}
}

func (w *worker) onTrigger(ctx context.Context, t refreshTime) {
	if t.gen != w.gen {
		w.log.Debug("refresher.trigger.stale", "gen", t.gen, "current", w.gen)
		return
	}
	w.disarm()
	w.trigger(ctx)
}

func (w *worker) trigger(ctx context.Context) {
	if w.inflight {
		w.queued = true
		return
	}
	w.beginRefresh(ctx)
}

// beginRefresh clears the access token, consumes the refresh token and starts
// the exchange off the loop so reads keep being served.
func (w *worker) beginRefresh(ctx context.Context) {
	w.access = ""
	w.expiresAt = time.Time{}
	w.metrics.SetAccessExpiry(time.Time{})

	if w.refresh == "" {
		panic("refresher: refresh triggered without a pending refresh token")
	}
	refresh := w.refresh
	w.refresh = ""
	w.inflight = true

	gen := w.gen
	clock := w.clock
	start := clock.Now()
	exchanger := w.exchanger
	timeout := w.cfg.RequestTimeout
	results := w.results

	w.log.Info("refresher.refresh.start", "gen", gen)

	go func() {
		xctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		pair, err := exchanger.Exchange(xctx, refresh)
		res := refreshResult{gen: gen, pair: pair, err: err, took: clock.Since(start)}

		select {
		case results <- res:
		case <-ctx.Done():
		}
	}()
}

func (w *worker) onResult(ctx context.Context, res refreshResult) {
	w.inflight = false

	if res.gen != w.gen {
		w.metrics.ObserveRefresh(metrics.RefreshStale, res.took)
		w.log.Info("refresher.refresh.stale", "gen", res.gen, "current", w.gen)
		if w.queued {
			w.queued = false
			w.beginRefresh(ctx)
		}
		return
	}

	if res.err == nil && (res.pair.Access == "" || res.pair.Refresh == "") {
		res.err = ErrMissingTokensOnRefresh
	}

	if res.err != nil {
		w.metrics.ObserveRefresh(refreshOutcome(res.err), res.took)
		w.log.Error("refresher.refresh.fail", "gen", res.gen, "err", res.err, "duration_ms", res.took.Milliseconds())
		return
	}

	w.access = res.pair.Access
	w.refresh = res.pair.Refresh
	w.metrics.ObserveRefresh(metrics.RefreshOK, res.took)

	exp, err := token.ExpiresAt(res.pair.Access)
	if err != nil {
		w.log.Warn("refresher.rearm.skip", "gen", res.gen, "reason", "undecodable access token", "err", err)
		return
	}
	w.expiresAt = exp
	w.metrics.SetAccessExpiry(exp)
	w.log.Info("refresher.refresh.ok",
		"gen", res.gen,
		"duration_ms", res.took.Milliseconds(),
		"refresh_fp", digest.Fingerprint(string(res.pair.Refresh)),
	)

	if !w.cfg.Rearm {
		return
	}
	remaining := exp.Sub(w.clock.Now())
	if remaining <= 0 {
		w.log.Warn("refresher.rearm.skip", "gen", res.gen, "reason", "issued token already expired")
		return
	}
	w.gen = w.gens.Add(1)
	w.arm(ctx, rearmDelay(remaining, w.cfg.Margin))
}

func (w *worker) arm(ctx context.Context, d time.Duration) {
	w.disarm()
	w.stopSchedule = schedule(ctx, w.clock, d, w.gen, w.triggers)
	w.log.Debug("refresher.schedule.arm", "gen", w.gen, "in", d.String())
}

func (w *worker) disarm() {
	if w.stopSchedule != nil {
		w.stopSchedule()
		w.stopSchedule = nil
	}
}

// rearmDelay schedules a refresh margin before expiry, but never sooner than half
// the token lifetime so short-lived tokens do not refresh in a tight loop.
func rearmDelay(remaining, margin time.Duration) time.Duration {
	d := remaining - margin
	if half := remaining / 2; d < half {
		d = half
	}
	return d
}

func refreshOutcome(err error) string {
	switch {
	case errors.Is(err, ErrMissingTokensOnRefresh):
		return metrics.RefreshMissingTokens
	default:
		return metrics.RefreshTransport
	}
}
