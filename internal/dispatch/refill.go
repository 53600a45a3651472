package dispatch

import "sync"

// refillEntry is enough to re-post the same Interrupt request once its
// predecessor's Transfer Event arrives, without involving the pending
// table or any caller-visible channel.
type refillEntry struct {
	queue *EndpointQueue
	req   Request
}

// RefillTable holds outstanding keep-fill registrations, keyed by the
// terminal TRB's physical address, exactly like PendingTable but for
// requests whose completion is never delivered to a caller: the event
// loop re-posts the stored request synchronously on each completion
// instead of invoking a completion callback.
type RefillTable struct {
	mu    sync.Mutex
	table map[uint64]refillEntry
}

// NewRefillTable returns an empty refill table.
func NewRefillTable() *RefillTable {
	return &RefillTable{table: make(map[uint64]refillEntry)}
}

// Register records req as the keep-fill entry for the TRB at physAddr.
func (r *RefillTable) Register(physAddr uint64, queue *EndpointQueue, req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[physAddr] = refillEntry{queue: queue, req: req}
}

// Take removes and returns the refill entry registered for physAddr, if
// any.
func (r *RefillTable) Take(physAddr uint64) (*EndpointQueue, Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.table[physAddr]
	if !ok {
		return nil, Request{}, false
	}
	delete(r.table, physAddr)
	return e.queue, e.req, true
}

// Len reports the number of keep-fill requests currently outstanding.
func (r *RefillTable) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}
