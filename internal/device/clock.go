package device

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time base for contexts and scheduled sources
type Clock interface {
	Now() time.Duration
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call
type Timer interface {
	Stop() bool
}

type realClock struct {
	start time.Time
}

// NewRealClock returns a clock backed by the monotonic wall clock
func NewRealClock() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) Now() time.Duration {
	return time.Since(c.start)
}

func (c *realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualClock only moves when Advance is called. Timers due within an Advance run
// in deadline order on the calling goroutine.
type ManualClock struct {
	now    time.Duration
	timers []*manualTimer
	seq    uint64

	mu sync.Mutex
}

type manualTimer struct {
	clock *ManualClock
	when  time.Duration
	seq   uint64
	f     func()
}

// NewManualClock creates a manual clock at time zero
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// Now returns the current manual time
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has advanced by d
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	t := &manualTimer{clock: c, when: c.now + d, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.Slice(c.timers, func(i, j int) bool {
			if c.timers[i].when == c.timers[j].when {
				return c.timers[i].seq < c.timers[j].seq
			}
			return c.timers[i].when < c.timers[j].when
		})
		if len(c.timers) == 0 || c.timers[0].when > target {
			c.now = target
			c.mu.Unlock()
			return
		}
		t := c.timers[0]
		c.timers = c.timers[1:]
		c.now = t.when
		c.mu.Unlock()

		t.f()
	}
}

// Pending returns the number of timers not yet fired or stopped
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (t *manualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, pending := range c.timers {
		if pending == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}
