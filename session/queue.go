package session

import (
	"sync"

	"github.com/room4-2/livelink/messages"
)

// OutboundQueue holds messages that could not be written yet. It is
// unbounded: realtime media must not be dropped while the socket cycles.
type OutboundQueue struct {
	mu    sync.Mutex
	items []messages.Outbound
}

// NewOutboundQueue creates an empty queue.
func NewOutboundQueue() *OutboundQueue {
	return &OutboundQueue{}
}

// Enqueue appends msg to the tail.
func (q *OutboundQueue) Enqueue(msg messages.Outbound) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
}

// Drain hands queued messages to send head first until the queue is
// empty. Messages enqueued while draining, including by send itself, are
// drained in the same pass. When send fails the message goes back to the
// head and Drain returns the error.
func (q *OutboundQueue) Drain(send func(messages.Outbound) error) error {
	for {
		msg, ok := q.pop()
		if !ok {
			return nil
		}
		if err := send(msg); err != nil {
			q.pushFront(msg)
			return err
		}
	}
}

// Len returns the number of queued messages.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued messages in order.
func (q *OutboundQueue) Snapshot() []messages.Outbound {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]messages.Outbound, len(q.items))
	copy(out, q.items)
	return out
}

// Clear drops every queued message.
func (q *OutboundQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

func (q *OutboundQueue) pop() (messages.Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg, true
}

func (q *OutboundQueue) pushFront(msg messages.Outbound) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]messages.Outbound{msg}, q.items...)
}
