package capture

import (
	"math"
	"sync/atomic"
)

const unset = math.MinInt64

// Clock rebases device timestamps so that the first frame of either kind
// lands at zero, and tracks the newest timestamp per kind. It is read by
// the status path while the device goroutine writes it, so every field is
// atomic.
type Clock struct {
	base      atomic.Int64
	lastVideo atomic.Int64
	lastAudio atomic.Int64
	jumps     atomic.Int64
}

// NewClock returns a clock with no base.
func NewClock() *Clock {
	c := &Clock{}
	c.base.Store(unset)
	c.lastVideo.Store(unset)
	c.lastAudio.Store(unset)
	return c
}

// Rebase returns ts relative to the first timestamp the clock saw.
// Timestamps that step backwards are counted as discontinuities.
func (c *Clock) Rebase(ts int64, audio bool) int64 {
	c.base.CompareAndSwap(unset, ts)
	rel := ts - c.base.Load()

	last := &c.lastVideo
	if audio {
		last = &c.lastAudio
	}
	if prev := last.Swap(rel); prev != unset && rel < prev {
		c.jumps.Add(1)
	}
	return rel
}

// Skew returns newest video minus newest audio timestamp, or zero until
// both kinds have been seen.
func (c *Clock) Skew() int64 {
	v, a := c.lastVideo.Load(), c.lastAudio.Load()
	if v == unset || a == unset {
		return 0
	}
	return v - a
}

// Discontinuities returns how often a timestamp stepped backwards.
func (c *Clock) Discontinuities() int64 { return c.jumps.Load() }
