package xhci

import (
	"context"
	"fmt"
	"sync"

	"github.com/usb-stack/xhcihost/internal/dma"
	"github.com/usb-stack/xhcihost/internal/ring"
	"github.com/usb-stack/xhcihost/internal/trb"
	"github.com/usb-stack/xhcihost/platform"
)

// CommandRing is the singleton producer ring carrying slot/endpoint
// management commands (Enable Slot, Address Device, Configure Endpoint,
// ...). A sync.Mutex enforces the invariant that only one command may be
// outstanding at a time, which keeps completion matching trivial and is
// more than fast enough for a command ring that sees a handful of
// commands per device lifetime.
type CommandRing struct {
	seg *dma.Segment
	p   *ring.Producer

	mu        sync.Mutex // held for the duration of one outstanding command
	pending   map[uint64]chan trb.TRB
	pendingMu sync.Mutex
}

// NewCommandRing allocates a command ring segment of `entries` TRB slots.
func NewCommandRing(plat platform.Platform, entries int) (*CommandRing, error) {
	seg, err := allocSegment(plat, entries*trb.Size, 64)
	if err != nil {
		return nil, fmt.Errorf("commandring: allocate segment: %w", err)
	}
	p, err := ring.NewProducer(seg.Base(), seg.PhysAddr(), entries)
	if err != nil {
		seg.Free()
		return nil, fmt.Errorf("commandring: init producer: %w", err)
	}
	return &CommandRing{
		seg:     seg,
		p:       p,
		pending: make(map[uint64]chan trb.TRB),
	}, nil
}

// PhysAddr returns the command ring segment's physical base address.
func (c *CommandRing) PhysAddr() uint64 {
	return c.p.PhysAddr()
}

// Submit enqueues a single command TRB, rings the Command Ring doorbell,
// and blocks until the matching Command Completion Event TRB arrives or
// ctx is cancelled. Only one Submit may be in flight at a time; the next
// caller blocks on the mutex until this one's completion is delivered.
func (c *CommandRing) Submit(ctx context.Context, ctrl *Controller, cmd trb.TRB) (trb.TRB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Hold the command TRB invalid until its completion channel is
	// registered, so the controller cannot complete it first.
	addr, publish := c.p.EnqueueHeld(cmd)

	done := make(chan trb.TRB, 1)
	c.pendingMu.Lock()
	c.pending[addr] = done
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, addr)
		c.pendingMu.Unlock()
	}()

	publish()
	ctrl.RingDoorbell(0, dbCommandRingTarget)

	select {
	case completion := <-done:
		return completion, nil
	case <-ctx.Done():
		return trb.TRB{}, ctx.Err()
	}
}

// Complete is called by the event loop when a Command Completion Event
// TRB arrives; it delivers the completion to whichever Submit call is
// waiting on the matching command TRB's physical address.
func (c *CommandRing) Complete(commandTRBPhysAddr uint64, completion trb.TRB) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[commandTRBPhysAddr]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- completion:
	default:
	}
	return true
}
