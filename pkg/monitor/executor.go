// Package monitor runs a background adaptive heartbeat loop against a
// remote peer: a probe callback fires on a normal cadence, externally
// signaled failures shorten and escalate the cadence, and an explicit
// cancellation restores it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zerc/peermon/pkg/metrics"
)

// ErrStopTimeout is returned by Stop when the loop goroutine does not exit
// within the configured bound. The goroutine then outlives its owner, so
// callers must treat this as fatal rather than retry silently.
var ErrStopTimeout = errors.New("monitor: executor loop did not stop in time")

// Executor owns the heartbeat loop: probe, compute the next interval,
// wait on the gate, repeat. RequestCheck and CancelBackoff may be called
// from any goroutine, concurrently with Stop and each other.
type Executor struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock
	gate  *WaitGate

	mu           sync.Mutex
	running      bool
	failingSince time.Time // zero while healthy
	retryCount   uint      // meaningful only while failingSince is set
	done         chan struct{}
}

// New constructs an Executor after validating the config. Call Start to
// begin the loop.
func New(cfg *Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("monitor: error validating config: %w", err)
	}
	return &Executor{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
		gate:  NewWaitGate(cfg.Clock),
	}, nil
}

// Start spawns the loop goroutine. Idempotent while running.
func (e *Executor) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	if e.cfg.Registry != nil {
		e.cfg.Registry.Register(e)
	}
	go e.run(done)
}

// Stop ends the loop: clears the running flag, wakes the gate, and joins
// the loop goroutine with a bounded wait. Returns ErrStopTimeout if the
// loop does not exit in time (e.g. a hung probe). Returns nil when already
// stopped.
func (e *Executor) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	done := e.done
	e.mu.Unlock()

	e.gate.Wake()

	select {
	case <-done:
	case <-e.clock.After(e.cfg.StopTimeout):
		return fmt.Errorf("%w (waited %s)", ErrStopTimeout, e.cfg.StopTimeout)
	}

	if e.cfg.Registry != nil {
		e.cfg.Registry.Unregister(e)
	}
	e.log.Debug("monitor: executor stopped")
	return nil
}

// IsRunning reports whether Start was called and Stop has not yet taken
// effect.
func (e *Executor) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// RequestCheck asks for an immediate recheck. The first call of a failing
// streak records its start and resets the retry counter; repeated calls
// keep escalating rather than restarting. Always wakes the loop, even
// before its first wait.
func (e *Executor) RequestCheck() {
	e.mu.Lock()
	if e.failingSince.IsZero() {
		e.failingSince = e.clock.Now()
		e.retryCount = 0
		metrics.BackoffActive.Set(1)
	}
	e.mu.Unlock()

	metrics.CheckRequests.Inc()
	e.gate.Wake()
}

// CancelBackoff ends the failing streak: the next computed interval is the
// normal cadence again, effective immediately rather than after the stale
// backoff wait.
func (e *Executor) CancelBackoff() {
	e.mu.Lock()
	e.failingSince = time.Time{}
	e.retryCount = 0
	e.mu.Unlock()

	metrics.BackoffActive.Set(0)
	metrics.BackoffCancels.Inc()
	e.gate.Wake()
}

func (e *Executor) run(done chan struct{}) {
	defer close(done)
	e.log.Debug("monitor: executor started")

	for {
		if !e.IsRunning() {
			return
		}

		// The probe has no cancellation contract: if it hangs, the loop
		// hangs and Stop reports ErrStopTimeout.
		if err := e.cfg.Probe.Probe(context.Background()); err != nil {
			metrics.ProbeFailures.Inc()
			e.log.Debug("monitor: probe failed", "error", err)
		}
		metrics.Heartbeats.Inc()

		if !e.IsRunning() {
			return
		}

		d := e.nextWait()
		if e.cfg.OnWait != nil {
			e.cfg.OnWait(d)
		}
		metrics.WaitDuration.Observe(d.Seconds())
		e.gate.Wait(context.Background(), d)
	}
}

// nextWait computes the next interval from the current state and advances
// the retry counter while a failing streak is in progress.
func (e *Executor) nextWait() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	failing := !e.failingSince.IsZero()
	d := e.cfg.Policy.NextInterval(failing, e.retryCount)
	if failing {
		e.retryCount++
	}
	return d
}
