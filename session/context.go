package session

import (
	"sync"

	"github.com/room4-2/livelink/messages"
)

// ContextQueue is the ordered log of prior turns prefixed to a
// SendWithContext turn. It is never cleared by the client; callers own
// its lifetime.
type ContextQueue struct {
	mu    sync.RWMutex
	turns []messages.Content
}

// NewContextQueue creates an empty context log.
func NewContextQueue() *ContextQueue {
	return &ContextQueue{}
}

// Append adds turns at the end, keeping their order.
func (c *ContextQueue) Append(turns ...messages.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turns...)
}

// Turns returns a copy of the log.
func (c *ContextQueue) Turns() []messages.Content {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]messages.Content, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *ContextQueue) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Reset empties the log.
func (c *ContextQueue) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}
