// Package locktest provides a controllable clock and a contract suite for lock storages.
package locktest

import (
	"sync"
	"time"

	"github.com/nimburion/nimlock/pkg/lock"
)

// ManualClock is a lock.Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: lock.Truncate(start)}
}

// Now implements lock.Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = lock.Truncate(c.now.Add(d))
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = lock.Truncate(t)
}
