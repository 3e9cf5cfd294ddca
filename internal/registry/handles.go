package registry

import (
	"sync"

	"github.com/pinme/tacho-gateway/internal/core"
)

// HandleCache keeps the open card handle of each device's current APDU
// sequence. Entries are never evicted; a stale handle fails on next use.
type HandleCache struct {
	mu      sync.Mutex
	handles map[int]core.Handle
}

func NewHandleCache() *HandleCache {
	return &HandleCache{handles: make(map[int]core.Handle)}
}

func (c *HandleCache) Get(deviceID int) (core.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[deviceID]
	return h, ok
}

// Set stores h for deviceID and returns the handle it displaced, if any.
// Closing the displaced handle is the caller's job.
func (c *HandleCache) Set(deviceID int, h core.Handle) core.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.handles[deviceID]
	c.handles[deviceID] = h
	return prev
}

// Take removes and returns the handle for deviceID.
func (c *HandleCache) Take(deviceID int) (core.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[deviceID]
	if ok {
		delete(c.handles, deviceID)
	}
	return h, ok
}

func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}
