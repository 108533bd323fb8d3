package audit

import (
	"sync/atomic"
	"time"
)

// Clock hands out capture timestamps that never go backwards within a process,
// even if the wall clock is stepped back. Resolution is one microsecond, the
// finest precision every sink can store.
type Clock struct {
	now  func() time.Time
	last atomic.Int64 // unix microseconds of the latest timestamp handed out
}

// NewClock wraps now; nil means time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns max(wall clock, previous result). Concurrent callers may receive
// equal timestamps.
func (c *Clock) Now() time.Time {
	for {
		micros := c.now().UnixMicro()
		last := c.last.Load()
		if micros <= last {
			return time.UnixMicro(last).UTC()
		}
		if c.last.CompareAndSwap(last, micros) {
			return time.UnixMicro(micros).UTC()
		}
	}
}
