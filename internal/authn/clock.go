package authn

import (
	"sync"
	"time"
)

// Clock is the device clock corrected by the offset observed against the
// verification service. Tokens issued with a skewed clock are rejected, so
// the offset is learned from the Date header of an unauthorized response.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
	now    func() time.Time
}

// NewClock returns a Clock reading time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the corrected time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.offset)
}

// Offset returns the current correction.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Sync records server time as observed now.
func (c *Clock) Sync(server time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = server.Sub(c.now())
}
