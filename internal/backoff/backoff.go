// Package backoff implements the pure retry-delay function described in
// spec §4.3 (component C3).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes the delay before a retryable job becomes eligible
// again, as a pure function of the post-increment attempt count.
//
// delay(attempts) = min(Base^attempts seconds, Max), optionally widened
// by bounded jitter. attempts is the post-increment value — the first
// retry (attempts=1) waits Base^1 seconds.
type Policy struct {
	// Base is the exponent base in seconds. Defaults to 2 if zero.
	Base float64

	// Max caps the computed delay. Defaults to one hour if zero.
	Max time.Duration

	// Jitter, in [0,1], widens the delay by +/- Jitter*delay using a
	// uniform random offset. Zero disables jitter. The core treats
	// jitter as optional (spec §4.3).
	Jitter float64
}

// DefaultBase is the base used when Policy.Base is zero.
const DefaultBase = 2.0

// DefaultMax is the cap used when Policy.Max is zero.
const DefaultMax = time.Hour

// Delay returns the backoff duration for the given post-increment
// attempt count. attempt must be >= 1.
func (p Policy) Delay(attempt uint32) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}

	seconds := math.Pow(base, float64(attempt))
	delay := time.Duration(seconds * float64(time.Second))
	if delay > max || delay < 0 {
		delay = max
	}

	if p.Jitter > 0 {
		f := p.Jitter
		if f > 1 {
			f = 1
		}
		span := f * float64(delay)
		offset := (rand.Float64()*2 - 1) * span
		delay = time.Duration(float64(delay) + offset)
		if delay < 0 {
			delay = 0
		}
		if delay > max {
			delay = max
		}
	}
	return delay
}
