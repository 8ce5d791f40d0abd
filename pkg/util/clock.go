package util

import (
	"sync"
	"time"
)

// Clock abstracts time for the sequencer so tests can drive the commit
// loop deterministically.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// ManualClock only advances when told to. Each Tick releases one pending
// After waiter.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []chan time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	return ch
}

// Tick advances the clock and wakes the oldest waiter, blocking until
// one has registered so a tick is never lost to a race with the waiter.
func (c *ManualClock) Tick(d time.Duration) {
	for {
		c.mu.Lock()
		if len(c.waiters) > 0 {
			c.now = c.now.Add(d)
			ch := c.waiters[0]
			c.waiters = c.waiters[1:]
			now := c.now
			c.mu.Unlock()
			ch <- now
			return
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}
