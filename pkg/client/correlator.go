package client

import (
	"sync"

	"github.com/aeolun/crosschat/pkg/protocol"
)

// correlator hands out request numbers and routes responses back to the
// goroutine that sent the request. Numbers start at 1 each epoch and
// skip zero (reserved for pushes) and the liveness probe number.
type correlator struct {
	mu      sync.Mutex
	next    uint32
	waiters map[uint32]chan protocol.Response
}

func newCorrelator() *correlator {
	return &correlator{
		next:    1,
		waiters: make(map[uint32]chan protocol.Response),
	}
}

// register allocates a number and a single-use channel that will receive
// the matching response. The channel is closed instead if the epoch
// resets first.
func (c *correlator) register() (uint32, <-chan protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	number := c.next
	for number == protocol.PushNumber || number == protocol.LivenessProbeNumber {
		number++
	}
	c.next = number + 1

	ch := make(chan protocol.Response, 1)
	c.waiters[number] = ch
	return number, ch
}

// allocate hands out a number without registering a waiter, for
// requests whose responses arrive as pushes.
func (c *correlator) allocate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	number := c.next
	for number == protocol.PushNumber || number == protocol.LivenessProbeNumber {
		number++
	}
	c.next = number + 1
	return number
}

// resolve delivers a response to its waiter. The waiter is removed
// before the write, so a duplicate number delivers at most once. Returns
// false when no waiter was registered for the number.
func (c *correlator) resolve(resp protocol.Response) bool {
	c.mu.Lock()
	ch, ok := c.waiters[resp.Number]
	if ok {
		delete(c.waiters, resp.Number)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}

// cancel abandons a pending number, for callers that gave up waiting.
func (c *correlator) cancel(number uint32) {
	c.mu.Lock()
	delete(c.waiters, number)
	c.mu.Unlock()
}

// reset drops every pending waiter, closing their channels so blocked
// senders fail instead of hanging, and restarts numbering at 1.
func (c *correlator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for number, ch := range c.waiters {
		close(ch)
		delete(c.waiters, number)
	}
	c.next = 1
}

// pending returns the count of outstanding requests.
func (c *correlator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
