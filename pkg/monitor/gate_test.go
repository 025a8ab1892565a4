package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// waitReturns runs g.Wait in a goroutine and returns a channel closed when
// it comes back.
func waitReturns(ctx context.Context, g *WaitGate, d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		g.Wait(ctx, d)
		close(done)
	}()
	return done
}

func requireClosed(t *testing.T, done <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

func TestMonitor_WaitGate_PendingWakeNotLost(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	g := NewWaitGate(clk)

	// Wake before any Wait must be retained.
	g.Wake()

	done := waitReturns(t.Context(), g, time.Hour)
	requireClosed(t, done, "wait did not consume the pending wake")
}

func TestMonitor_WaitGate_WakeEndsWaitEarly(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	g := NewWaitGate(clk)

	done := waitReturns(t.Context(), g, time.Hour)
	require.NoError(t, clk.BlockUntilContext(t.Context(), 1))
	g.Wake()
	requireClosed(t, done, "wake did not end the wait")
}

func TestMonitor_WaitGate_TimeoutEndsWait(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	g := NewWaitGate(clk)

	done := waitReturns(t.Context(), g, 10*time.Second)
	require.NoError(t, clk.BlockUntilContext(t.Context(), 1))
	clk.Advance(10 * time.Second)
	requireClosed(t, done, "wait did not return on timeout")
}

func TestMonitor_WaitGate_ContextCancelEndsWait(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	g := NewWaitGate(clk)

	ctx, cancel := context.WithCancel(t.Context())
	done := waitReturns(ctx, g, time.Hour)
	require.NoError(t, clk.BlockUntilContext(t.Context(), 1))
	cancel()
	requireClosed(t, done, "wait did not return on context cancel")
}

func TestMonitor_WaitGate_ConcurrentWakes(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	g := NewWaitGate(clk)

	// Wakes from many goroutines must neither block nor panic, and must
	// collapse into a single retained signal.
	var wg sync.WaitGroup
	ready := make(chan struct{})
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			g.Wake()
		}()
	}
	close(ready)
	wg.Wait()

	done := waitReturns(t.Context(), g, time.Hour)
	requireClosed(t, done, "wait did not observe concurrent wakes")

	// The collapsed signal is consumed: a second wait needs the clock.
	done = waitReturns(t.Context(), g, time.Second)
	require.NoError(t, clk.BlockUntilContext(t.Context(), 1))
	clk.Advance(time.Second)
	requireClosed(t, done, "second wait did not time out")
}
