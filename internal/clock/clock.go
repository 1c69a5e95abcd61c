// Package clock provides the injectable monotonic UTC clock used
// throughout queuectl (spec §2, component C2).
//
// Production code depends on Clock rather than calling time.Now()
// directly, so that backoff, scheduling and reap-threshold tests can
// drive time deterministically with a Mock instead of sleeping.
package clock

import "github.com/benbjohnson/clock"

// Clock is the subset of github.com/benbjohnson/clock.Clock that
// queuectl depends on. All timestamps queuectl persists are derived
// from Now, normalized to UTC (spec §6: "all timestamps persisted as
// UTC").
type Clock = clock.Clock

// Mock is a controllable Clock for tests. See NewMock.
type Mock = clock.Mock

// New returns the real wall-clock Clock used in production.
func New() Clock {
	return clock.New()
}

// NewMock returns a Clock initialized to the Unix epoch whose time
// only advances when Add or Set is called. Intended for tests that
// assert backoff monotonicity (S2, S3) or schedule respect (S5)
// without sleeping in real time.
func NewMock() *Mock {
	return clock.NewMock()
}
