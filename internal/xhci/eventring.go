package xhci

import (
	"fmt"

	"github.com/usb-stack/xhcihost/internal/dma"
	"github.com/usb-stack/xhcihost/internal/ring"
	"github.com/usb-stack/xhcihost/internal/trb"
	"github.com/usb-stack/xhcihost/platform"
)

// EventRing wraps a single-segment Event Ring Segment Table entry: one
// DMA segment of TRB slots plus the small ERST (Event Ring Segment Table)
// entry describing it (xHCI §4.9.4).
type EventRing struct {
	segSeg  *dma.Segment // the TRB ring segment itself
	erstSeg *dma.Segment // the one-entry segment table
	c       *ring.Consumer
}

// erstEntry mirrors one 16-byte Event Ring Segment Table Entry (xHCI
// Table 6-40): Ring Segment Base Address (64 bits) followed by Ring
// Segment Size (16 bits) and reserved bits.
type erstEntry struct {
	base uint64
	size uint32
	_    uint32
}

// NewEventRing allocates an event ring segment of `entries` TRB slots and
// its single-entry segment table.
func NewEventRing(plat platform.Platform, entries int) (*EventRing, error) {
	segSeg, err := allocSegment(plat, entries*trb.Size, 64)
	if err != nil {
		return nil, fmt.Errorf("eventring: allocate segment: %w", err)
	}
	erstSeg, err := allocSegment(plat, 16, 64)
	if err != nil {
		segSeg.Free()
		return nil, fmt.Errorf("eventring: allocate ERST: %w", err)
	}

	entry := (*erstEntry)(erstSeg.Base())
	entry.base = segSeg.PhysAddr()
	entry.size = uint32(entries)

	return &EventRing{
		segSeg:  segSeg,
		erstSeg: erstSeg,
		c:       ring.NewConsumer(segSeg.Base(), segSeg.PhysAddr(), entries),
	}, nil
}

// ERSTPhysAddr returns the Event Ring Segment Table's physical address,
// for ERSTBA.
func (e *EventRing) ERSTPhysAddr() uint64 {
	return e.erstSeg.PhysAddr()
}

// DequeuePhysAddr returns the current dequeue pointer's physical address,
// for ERDP.
func (e *EventRing) DequeuePhysAddr() uint64 {
	return e.c.DequeuePhysAddr()
}

// Drain hands every ready event TRB to fn, advancing the dequeue pointer
// as it goes. It returns the number of TRBs handled so the caller can
// decide whether to write ERDP: drain all, handle each, flush once.
func (e *EventRing) Drain(fn func(trb.TRB)) int {
	return e.c.Drain(fn)
}
