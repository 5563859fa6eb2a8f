// ABOUTME: Pending-correlation table: maps correlation ids to waiting callers.
// ABOUTME: Resolved by the receive loop, reaped by request timeouts.

package client

import (
	"sync"

	"github.com/medrex/fabric/internal/envelope"
)

// pendingTable tracks in-flight correlated requests. Each entry holds a
// buffered channel so the resolving side never blocks on a caller that has
// already timed out.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan *envelope.Envelope
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan *envelope.Envelope)}
}

// add registers a waiter for the correlation id and returns its channel.
func (p *pendingTable) add(correlationID string) chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 1)
	p.mu.Lock()
	p.waiters[correlationID] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers a response to the waiter, if one exists. Returns false for
// stale, duplicate, or unknown correlation ids; the caller logs and discards.
func (p *pendingTable) resolve(correlationID string, env *envelope.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiters[correlationID]
	if ok {
		delete(p.waiters, correlationID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// remove drops a waiter without resolving it (timeout or caller teardown).
func (p *pendingTable) remove(correlationID string) {
	p.mu.Lock()
	delete(p.waiters, correlationID)
	p.mu.Unlock()
}

// failAll closes every waiter channel. A closed channel tells the caller the
// connection died before its response arrived.
func (p *pendingTable) failAll() {
	p.mu.Lock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
	p.mu.Unlock()
}

// size reports the number of outstanding waiters.
func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
