package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/usb-stack/xhcihost/internal/constants"
	"github.com/usb-stack/xhcihost/internal/ring"
	"github.com/usb-stack/xhcihost/internal/trb"
)

// Request is a single control, bulk, or interrupt transfer targeted at a
// specific endpoint.
type Request struct {
	DCI        uint8
	BufferPhys uint64
	Length     uint32

	// Setup carries the 8-byte Setup Data Packet for control transfers;
	// zero value for non-control endpoints.
	Setup     [8]byte
	IsControl bool
	DataIn    bool // direction of the Data Stage, if Setup is non-zero

	// KeepFill marks an Interrupt request for automatic re-posting: on
	// every completion the event loop re-enqueues the same request rather
	// than delivering a result, keeping a polling-style endpoint
	// permanently armed. Completion codes are suppressed entirely, errors
	// included; a stalled endpoint just gets re-armed.
	KeepFill bool
}

// Result is delivered to the caller of Dispatcher.Submit once the
// request's Transfer Event TRB arrives.
type Result struct {
	CompletionCode   trb.CompletionCode
	BytesTransferred uint32
}

// EndpointQueue serializes requests for a single endpoint's Transfer
// Ring: TRBs for one endpoint must land on the ring in submission order,
// so each endpoint gets its own bounded channel and a single goroutine
// draining it onto the ring.
type EndpointQueue struct {
	dci     uint8
	ring    *ring.Producer
	pending *PendingTable
	refill  *RefillTable
	doorbell func(target uint32)

	submit chan submission
}

type submission struct {
	req    Request
	result chan Result // nil for a fire-and-forget or keep-fill submission
}

// NewEndpointQueue creates a bounded request queue for one endpoint's
// Transfer Ring and starts its draining goroutine. refill may be nil if
// the caller never submits KeepFill requests against this endpoint.
func NewEndpointQueue(ctx context.Context, dci uint8, r *ring.Producer, pending *PendingTable, refill *RefillTable, ringDoorbell func(target uint32)) *EndpointQueue {
	q := &EndpointQueue{
		dci:      dci,
		ring:     r,
		pending:  pending,
		refill:   refill,
		doorbell: ringDoorbell,
		submit:   make(chan submission, constants.DefaultRequestQueueDepth),
	}
	go q.run(ctx)
	return q
}

func (q *EndpointQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-q.submit:
			q.enqueueOne(s)
		}
	}
}

// enqueueOne lowers s.req into TRBs and posts them, registering the
// terminal TRB's completion in whichever table fits: a result channel
// goes in the pending table as a one-shot delivery; a KeepFill request
// goes in the refill table instead, with no pending-table entry at all.
func (q *EndpointQueue) enqueueOne(s submission) {
	trbs := buildTRBs(s.req, s.result != nil)
	for _, t := range trbs[:len(trbs)-1] {
		q.ring.Enqueue(t)
	}
	// The terminal TRB stays held (invalid cycle bit) until its completion
	// is registered, so the controller cannot complete it first.
	lastAddr, publish := q.ring.EnqueueHeld(trbs[len(trbs)-1])

	if s.req.KeepFill {
		q.refill.Register(lastAddr, q, s.req)
	} else if s.result != nil {
		result := s.result
		q.pending.Register(lastAddr, func(event trb.TRB) {
			select {
			case result <- Result{
				CompletionCode:   event.CompletionCode(),
				BytesTransferred: event.Status() & 0x00ffffff,
			}:
			default:
			}
		})
	}
	publish()
	q.doorbell(uint32(q.dci))
}

// Repost re-enqueues req without involving the pending table, the
// synchronous re-post the event loop performs when it finds req's
// terminal TRB address in the refill table instead of the pending table.
func (q *EndpointQueue) Repost(req Request) {
	q.enqueueOne(submission{req: req})
}

// buildTRBs lowers a Request into its constituent TRBs: a Setup/Data/
// Status stage sequence for control transfers, or a single Normal TRB
// otherwise. expectResponse is true when the caller is waiting on a
// completion (Submit, not SubmitNoResponse) and drives the Status
// Stage's direction bit.
func buildTRBs(req Request, expectResponse bool) []trb.TRB {
	if !req.IsControl {
		var t trb.TRB
		t.SetTRBType(trb.TypeNormal)
		t.SetParam(req.BufferPhys)
		t.SetStatus(req.Length)
		t.SetInterruptOnCompletion(true)
		t.SetInterruptOnShortPacket(true)
		return []trb.TRB{t}
	}

	var setup trb.TRB
	setup.SetTRBType(trb.TypeSetupStage)
	var setupParam uint64
	for i := 0; i < 8; i++ {
		setupParam |= uint64(req.Setup[i]) << (8 * i)
	}
	setup.SetParam(setupParam)
	setup.SetStatus(8)
	setup.SetImmediateData(true)

	switch {
	case req.Length == 0:
		setup.SetTransferType(trb.TransferTypeNoData)
	case req.DataIn:
		setup.SetTransferType(trb.TransferTypeIn)
	default:
		setup.SetTransferType(trb.TransferTypeOut)
	}

	trbs := []trb.TRB{setup}

	if req.Length > 0 {
		var data trb.TRB
		data.SetTRBType(trb.TypeDataStage)
		data.SetParam(req.BufferPhys)
		data.SetStatus(req.Length)
		data.SetDirection(req.DataIn)
		trbs = append(trbs, data)
	}

	var status trb.TRB
	status.SetTRBType(trb.TypeStatusStage)
	status.SetInterruptOnCompletion(true)
	status.SetDirection(expectResponse)
	trbs = append(trbs, status)

	return trbs
}

// Submit enqueues req and blocks until its completion arrives or ctx is
// cancelled. req.KeepFill must be false; use SubmitNoResponse for
// fire-and-forget and keep-fill requests.
func (q *EndpointQueue) Submit(ctx context.Context, req Request) (Result, error) {
	result := make(chan Result, 1)
	select {
	case q.submit <- submission{req: req, result: result}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SubmitNoResponse enqueues req without waiting for its completion. A
// plain fire-and-forget request's completion is simply discarded; a
// KeepFill request's terminal TRB is tracked in the refill table instead
// and re-posted by the event loop on every completion.
func (q *EndpointQueue) SubmitNoResponse(ctx context.Context, req Request) error {
	select {
	case q.submit <- submission{req: req}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatcher routes requests to the right endpoint's queue. Every
// Dispatcher in a Host shares the same PendingTable and RefillTable as
// the event loop, so a Transfer Event TRB routes back to its originating
// request (or keep-fill registration) with a single lookup regardless of
// which device or endpoint produced it.
type Dispatcher struct {
	pending *PendingTable
	refill  *RefillTable

	mu        sync.RWMutex // endpoints are added by enumeration while drivers submit
	endpoints map[uint8]*EndpointQueue
}

// NewDispatcher returns an empty dispatcher backed by the given shared
// pending and refill tables; endpoints are attached as they're
// configured.
func NewDispatcher(pending *PendingTable, refill *RefillTable) *Dispatcher {
	return &Dispatcher{
		pending:   pending,
		refill:    refill,
		endpoints: make(map[uint8]*EndpointQueue),
	}
}

// AddEndpoint creates and registers a queue for the given endpoint,
// backed by the dispatcher's shared pending and refill tables.
func (d *Dispatcher) AddEndpoint(ctx context.Context, dci uint8, r *ring.Producer, ringDoorbell func(target uint32)) *EndpointQueue {
	q := NewEndpointQueue(ctx, dci, r, d.pending, d.refill, ringDoorbell)
	d.mu.Lock()
	d.endpoints[dci] = q
	d.mu.Unlock()
	return q
}

// RemoveEndpoint drops an endpoint queue, e.g. after the slot is disabled.
func (d *Dispatcher) RemoveEndpoint(dci uint8) {
	d.mu.Lock()
	delete(d.endpoints, dci)
	d.mu.Unlock()
}

// Endpoint returns the queue registered for dci, or nil.
func (d *Dispatcher) Endpoint(dci uint8) *EndpointQueue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.endpoints[dci]
}

// Submit routes req to its endpoint's queue.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (Result, error) {
	q := d.Endpoint(req.DCI)
	if q == nil {
		return Result{}, fmt.Errorf("dispatch: no queue for endpoint dci %d", req.DCI)
	}
	return q.Submit(ctx, req)
}

// SubmitNoResponse routes req to its endpoint's queue without waiting
// for a result; used for fire-and-forget requests and to arm a KeepFill
// Interrupt endpoint.
func (d *Dispatcher) SubmitNoResponse(ctx context.Context, req Request) error {
	q := d.Endpoint(req.DCI)
	if q == nil {
		return fmt.Errorf("dispatch: no queue for endpoint dci %d", req.DCI)
	}
	return q.SubmitNoResponse(ctx, req)
}
