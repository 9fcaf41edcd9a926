package refresher

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// refreshTime is emitted once by a schedule when its timer fires.
type refreshTime struct {
	gen uint64
}

// schedule arms a one-shot timer that emits refreshTime{gen} on out after d.
// It never re-arms itself. The returned func cancels it; calling it after the
// timer fired is a no-op.
func schedule(ctx context.Context, clock clockwork.Clock, d time.Duration, gen uint64, out chan<- refreshTime) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		timer := clock.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}

		select {
		case out <- refreshTime{gen: gen}:
		case <-ctx.Done():
		}
	}()

	return cancel
}
