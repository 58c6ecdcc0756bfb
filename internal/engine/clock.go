package engine

import (
	"sync"
	"time"
)

// FrameClock schedules one callback per display refresh. The callback gets
// the real frame time. cancel stops a callback that has not run yet.
type FrameClock interface {
	Now() time.Time
	RequestFrame(fn func(now time.Time)) (cancel func())
}

// TimerClock fires frames on wall-clock timers at a fixed rate.
type TimerClock struct {
	interval time.Duration
}

// NewTimerClock returns a clock running at fps frames per second.
func NewTimerClock(fps int) *TimerClock {
	if fps <= 0 {
		fps = 60
	}
	return &TimerClock{interval: time.Second / time.Duration(fps)}
}

// Now implements FrameClock.
func (c *TimerClock) Now() time.Time { return time.Now() }

// RequestFrame implements FrameClock.
func (c *TimerClock) RequestFrame(fn func(now time.Time)) func() {
	t := time.AfterFunc(c.interval, func() { fn(time.Now()) })
	return func() { t.Stop() }
}

// ManualClock only advances when told to. Frames requested before an Advance
// fire during it, in request order.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending map[int]func(time.Time)
	order   []int
}

// NewManualClock starts at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t, pending: make(map[int]func(time.Time))}
}

// Now implements FrameClock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// RequestFrame implements FrameClock.
func (c *ManualClock) RequestFrame(fn func(now time.Time)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	c.pending[id] = fn
	c.order = append(c.order, id)
	return func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
}

// Pending returns how many frame callbacks are waiting.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Advance moves time forward by d and runs the frames that were pending.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	ids := c.order
	c.order = nil
	var due []func(time.Time)
	for _, id := range ids {
		if fn, ok := c.pending[id]; ok {
			due = append(due, fn)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, fn := range due {
		fn(now)
	}
}
