// Package dispatch implements the request dispatcher and event loop:
// the per-endpoint bounded request queue, the tables matching an Event
// Ring Transfer Event back to the request that caused it, and the single
// goroutine draining the Event Ring. Completion matching is keyed by TRB
// physical address, since a Transfer Ring can carry many outstanding
// TRBs at once and the Transfer Event echoes the address of the TRB it
// completes.
package dispatch

import (
	"sync"

	"github.com/usb-stack/xhcihost/internal/trb"
)

// CompletionFunc is invoked once for the Transfer Event TRB that
// completes a previously-enqueued request TRB.
type CompletionFunc func(event trb.TRB)

// PendingTable matches a Transfer Event TRB to the completion callback
// registered when its originating TRB was enqueued, keyed by that TRB's
// physical address.
type PendingTable struct {
	mu    sync.Mutex
	table map[uint64]CompletionFunc
}

// NewPendingTable returns an empty pending table.
func NewPendingTable() *PendingTable {
	return &PendingTable{table: make(map[uint64]CompletionFunc)}
}

// Register records fn as the completion callback for the TRB at physAddr.
func (p *PendingTable) Register(physAddr uint64, fn CompletionFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table[physAddr] = fn
}

// Complete looks up and removes the callback registered for physAddr and
// invokes it with the completion event. It reports whether a callback was
// found, so callers can distinguish a stray/duplicate event.
func (p *PendingTable) Complete(physAddr uint64, event trb.TRB) bool {
	p.mu.Lock()
	fn, ok := p.table[physAddr]
	if ok {
		delete(p.table, physAddr)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	fn(event)
	return true
}

// Len reports the number of requests currently awaiting completion,
// useful for tests and quiescence checks.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.table)
}

// Cancel removes physAddr's registration without invoking its callback.
// Nothing in this package calls it: a request abandoned through context
// cancellation keeps its entry until its completion arrives.
func (p *PendingTable) Cancel(physAddr uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.table, physAddr)
}
