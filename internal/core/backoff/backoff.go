// Package backoff computes retry delays from attempt counts and
// server-supplied throttling hints.
package backoff

import (
	"math/rand/v2"
	"time"

	"github.com/hoistup/hoist/internal/core"
)

const (
	DefaultBase   = time.Second
	DefaultMax    = 60 * time.Second
	DefaultJitter = 500 * time.Millisecond
)

// Policy is exponential backoff with bounded jitter. Explicit provider hints
// always win over the computed delay.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
	// Rand returns a value in [0, n). Nil uses math/rand/v2.
	Rand func(n int64) int64
}

// Default returns the policy used when configuration leaves backoff unset.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

// Exponential returns min(Base*2^attempt, Max) without jitter.
func (p Policy) Exponential(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// Delay returns the exponential delay plus jitter in [0, Jitter).
func (p Policy) Delay(attempt int) time.Duration {
	return p.Exponential(attempt) + p.jitter()
}

// FromSignals returns the explicit wait hint carried by sig, if any.
// Retry-After wins over reset-after, which wins over an absolute reset.
func (p Policy) FromSignals(sig core.Signals, now time.Time) (time.Duration, bool) {
	switch {
	case sig.RetryAfter > 0:
		return sig.RetryAfter, true
	case sig.ResetAfter > 0:
		return sig.ResetAfter, true
	case !sig.Reset.IsZero():
		wait := sig.Reset.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}
	return 0, false
}

// Next returns the delay before retry number attempt.
func (p Policy) Next(attempt int, sig core.Signals, now time.Time) time.Duration {
	if wait, ok := p.FromSignals(sig, now); ok {
		return wait
	}
	return p.Delay(attempt)
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	n := int64(p.Jitter)
	if p.Rand != nil {
		v := p.Rand(n)
		if v < 0 || v >= n {
			return 0
		}
		return time.Duration(v)
	}
	return time.Duration(rand.Int64N(n))
}
