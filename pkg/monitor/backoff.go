package monitor

import (
	"errors"
	"math"
	"time"
)

// DefaultRetryMax caps backoff growth. The reference behavior grows without
// bound; the cap is a deliberate deviation to keep a long failing streak
// from producing absurd intervals.
const DefaultRetryMax = 5 * time.Minute

// Policy computes the wait between heartbeats. While the peer is healthy
// every interval is NormalInterval; during a failing streak intervals start
// at RetryBase and grow by RetryMultiplier per retry, capped at RetryMax.
//
// Jitter is an optional extension point: when Jitter > 0 and Rand is set,
// each computed interval is perturbed by up to ±Jitter scaled by the Rand
// fraction. Rand defaults to nil, which disables jitter entirely so that
// tests stay deterministic.
type Policy struct {
	NormalInterval  time.Duration // healthy cadence
	RetryBase       time.Duration // first retry interval of a failing streak
	RetryMultiplier float64       // growth factor per retry, e.g. 2.0
	RetryMax        time.Duration // ceiling for retry intervals; defaulted
	Jitter          time.Duration // max absolute perturbation (+/-)
	Rand            func() float64
}

// Validate checks the policy and applies defaults for optional fields.
func (p *Policy) Validate() error {
	if p.NormalInterval <= 0 {
		return errors.New("normal interval must be > 0")
	}
	if p.RetryBase <= 0 {
		return errors.New("retry base must be > 0")
	}
	if p.RetryMultiplier <= 1 {
		return errors.New("retry multiplier must be > 1")
	}
	if p.RetryMax == 0 {
		p.RetryMax = DefaultRetryMax
	}
	if p.RetryMax < p.RetryBase {
		return errors.New("retry max must be >= retry base")
	}
	if p.Jitter < 0 {
		return errors.New("jitter must be >= 0")
	}
	return nil
}

// NextInterval returns the wait before the next heartbeat. It is a total
// function over valid policies: retryCount only matters while failing.
func (p Policy) NextInterval(failing bool, retryCount uint) time.Duration {
	d := p.NormalInterval
	if failing {
		f := float64(p.RetryBase) * math.Pow(p.RetryMultiplier, float64(retryCount))
		if f >= float64(p.RetryMax) {
			d = p.RetryMax
		} else {
			d = time.Duration(f)
		}
	}
	if p.Jitter > 0 && p.Rand != nil {
		d += time.Duration((p.Rand()*2 - 1) * float64(p.Jitter))
		if d < 0 {
			d = 0
		}
	}
	return d
}
