package portset

import (
	"math"
	"time"

	"k8s.io/utils/clock"
)

const (
	elemUnset     uint64 = 0
	elemPermanent uint64 = math.MaxUint64

	// NoTimeout is the largest timeout value accepted from callers; it is
	// stored as NoTimeout-1.
	NoTimeout uint32 = math.MaxUint32

	gcSubsteps = 3
)

// timeoutClock encodes expiry instants as nanoseconds elapsed on a monotonic
// clock since the owning set was created.
type timeoutClock struct {
	clock clock.PassiveClock
	base  time.Time
}

func newTimeoutClock(c clock.PassiveClock) timeoutClock {
	return timeoutClock{clock: c, base: c.Now()}
}

func (c timeoutClock) now() uint64 {
	d := c.clock.Since(c.base)
	if d < 0 {
		return 0
	}
	return uint64(d)
}

// expiry returns the slot value for an entry added now with the given
// timeout in seconds. Zero means the entry never expires.
func (c timeoutClock) expiry(timeout uint32) uint64 {
	if timeout == 0 {
		return elemPermanent
	}
	t := c.now() + uint64(timeout)*uint64(time.Second)
	if t == elemUnset || t == elemPermanent {
		t++
	}
	return t
}

func timeoutTest(v, now uint64) bool {
	return v != elemUnset && (v == elemPermanent || v > now)
}

func timeoutExpired(v, now uint64) bool {
	return v != elemUnset && v != elemPermanent && v <= now
}

// timeoutRemaining returns the seconds left before v expires, rounded up so
// that only permanent entries report zero.
func timeoutRemaining(v, now uint64) uint32 {
	if v == elemPermanent || v <= now {
		return 0
	}
	return uint32((v - now + uint64(time.Second) - 1) / uint64(time.Second))
}

// timeoutFromUser clamps a caller supplied timeout.
func timeoutFromUser(timeout uint32) uint32 {
	if timeout == NoTimeout {
		return NoTimeout - 1
	}
	return timeout
}

// gcPeriod is the interval between two sweeps of a set with the given
// default timeout.
func gcPeriod(timeout uint32) time.Duration {
	p := timeout / gcSubsteps
	if p == 0 {
		p = 1
	}
	return time.Duration(p) * time.Second
}
