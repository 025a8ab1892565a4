package monitor

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// WaitGate is a single-slot interruptible wait: the executor loop blocks on
// it for up to a requested duration, and any other goroutine can end that
// wait early with Wake. A wake delivered while nobody is waiting is retained
// so the next Wait returns promptly.
type WaitGate struct {
	clock clockwork.Clock
	ch    chan struct{}
}

// NewWaitGate creates a gate driven by the given clock.
func NewWaitGate(clock clockwork.Clock) *WaitGate {
	return &WaitGate{clock: clock, ch: make(chan struct{}, 1)}
}

// Wake ends the in-flight Wait, if any, or arms the gate so the next Wait
// returns immediately. Idempotent and safe from any goroutine.
func (g *WaitGate) Wake() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until d elapses on the clock, Wake is called, or ctx is done.
// The caller is not told which of the three happened. At most one Wait may
// be in flight at a time.
func (g *WaitGate) Wait(ctx context.Context, d time.Duration) {
	timer := g.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-g.ch:
	case <-timer.Chan():
	case <-ctx.Done():
	}
}
