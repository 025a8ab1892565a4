package monitor

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
const DefaultStopTimeout = 10 * time.Second

// Config provides all dependencies and tunables for an Executor. Probe and
// a valid Policy are required; Validate fills in the rest.
type Config struct {
	Logger *slog.Logger    // destination for logs
	Clock  clockwork.Clock // time source; fake in tests
	Probe  Prober          // health check run once per heartbeat
	Policy Policy          // cadence and backoff schedule

	// StopTimeout bounds Stop's join on the loop goroutine. Exceeding it
	// is reported, never swallowed.
	StopTimeout time.Duration

	// Registry, when set, tracks this executor between Start and Stop.
	Registry *Registry

	// OnWait, when set, observes every requested wait duration before the
	// loop blocks on it. It is the trace tests and instrumentation use to
	// verify scheduling.
	OnWait func(time.Duration)
}

// Validate verifies required fields and applies defaults for optional ones.
func (cfg *Config) Validate() error {
	if cfg.Probe == nil {
		return errors.New("probe is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return err
	}
	if cfg.StopTimeout < 0 {
		return errors.New("stop timeout must be >= 0")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return nil
}
