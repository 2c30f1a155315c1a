package iiosim

import "sync"

// counter is the simulator's only mutable sample state. The streaming goroutine and the query
// path both go through it, so every access takes the lock.
type counter struct {
	mu  sync.Mutex
	val uint32
}

// Read returns the current value.
func (c *counter) Read() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

// ReadAndIncrement returns the current value and advances it by one, wrapping at 2^32.
func (c *counter) ReadAndIncrement() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.val
	c.val++
	return v
}
