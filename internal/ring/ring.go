// Package ring implements the TRB producer/consumer ring shared by the
// Command Ring, every per-endpoint Transfer Ring, and the Event Ring:
// enqueue/dequeue index bookkeeping over a DMA segment, with the TRB
// ring's cycle-bit parity and trailing Link TRB in place of a head
// pointer.
package ring

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/usb-stack/xhcihost/internal/trb"
)

// Producer is a software-owned producer ring: the Command Ring or a
// Transfer Ring. Entries are laid out in a single DMA-backed segment of
// `capacity` TRB slots, the last of which is a Link TRB pointing back to
// slot 0 and toggling the ring's cycle state (xHCI §4.9.2).
type Producer struct {
	mu sync.Mutex

	base     unsafe.Pointer // first TRB slot of the segment
	phys     uint64         // physical address of base
	capacity int            // total slots, including the trailing Link TRB

	enqueueIndex int  // next slot to be written
	cycleState   bool // current producer cycle bit
}

// NewProducer wraps a DMA segment of `capacity` TRB slots as a producer
// ring. The caller owns the segment's lifetime; NewProducer only installs
// the trailing Link TRB and cycle bit.
func NewProducer(base unsafe.Pointer, phys uint64, capacity int) (*Producer, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("ring: capacity must be >= 2, got %d", capacity)
	}
	p := &Producer{
		base:       base,
		phys:       phys,
		capacity:   capacity,
		cycleState: true,
	}
	link := trb.At(base, capacity-1)
	*link = trb.NewLink(phys, true, false)
	return p, nil
}

// Capacity returns the number of usable (non-Link) slots per lap.
func (p *Producer) Capacity() int {
	return p.capacity - 1
}

// EnqueuePhysAddr returns the physical address the next Enqueue call will
// write to, before it is actually written. The dispatcher stashes this
// address as the key for matching a later Transfer Event TRB back to its
// originating request.
func (p *Producer) EnqueuePhysAddr() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phys + uint64(p.enqueueIndex*trb.Size)
}

// Enqueue writes t into the next slot with the current cycle bit, then
// advances past any Link TRB, toggling cycle state on wraparound. It
// returns the physical address the TRB was written to.
func (p *Producer) Enqueue(t trb.TRB) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := trb.At(p.base, p.enqueueIndex)
	addr := p.phys + uint64(p.enqueueIndex*trb.Size)
	t.SetCycle(p.cycleState)
	*slot = t

	p.enqueueIndex++
	if p.enqueueIndex == p.capacity-1 {
		// Hand the Link TRB the same cycle bit we just used, then flip.
		link := trb.At(p.base, p.capacity-1)
		link.SetCycle(p.cycleState)
		p.enqueueIndex = 0
		p.cycleState = !p.cycleState
	}
	return addr
}

// EnqueueHeld writes t at the next slot with the cycle bit inverted, so
// the controller treats the slot as not yet produced, and returns the
// slot's physical address plus a publish function that flips the cycle
// bit to its valid value. Callers use it to register completion
// bookkeeping under the returned address before the controller can
// possibly complete the TRB; without the hold, a completion arriving
// between the slot write and the registration would find nothing to
// match.
func (p *Producer) EnqueueHeld(t trb.TRB) (uint64, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := trb.At(p.base, p.enqueueIndex)
	addr := p.phys + uint64(p.enqueueIndex*trb.Size)
	cycle := p.cycleState
	t.SetCycle(!cycle)
	*slot = t

	p.enqueueIndex++
	if p.enqueueIndex == p.capacity-1 {
		link := trb.At(p.base, p.capacity-1)
		link.SetCycle(cycle)
		p.enqueueIndex = 0
		p.cycleState = !p.cycleState
	}
	return addr, func() { slot.SetCycle(cycle) }
}

// PhysAddr returns the ring segment's base physical address (for CRCR /
// TR Dequeue Pointer fields).
func (p *Producer) PhysAddr() uint64 {
	return p.phys
}

// Consumer is a software-owned consumer ring: the Event Ring. The
// controller is the producer; software advances its dequeue pointer and
// flips its expected-cycle bit as it drains TRBs (xHCI §4.9.4).
type Consumer struct {
	base          unsafe.Pointer
	phys          uint64
	capacity      int // total slots in the segment (no Link TRB)
	dequeueIndex  int
	expectedCycle bool
}

// NewConsumer wraps a DMA segment of `capacity` TRB slots as an event
// ring consumer. The segment contains no Link TRB; wraparound is a plain
// modulo, matching a single-segment Event Ring Segment Table entry.
func NewConsumer(base unsafe.Pointer, phys uint64, capacity int) *Consumer {
	return &Consumer{
		base:          base,
		phys:          phys,
		capacity:      capacity,
		expectedCycle: true,
	}
}

// Peek returns the TRB at the current dequeue position and whether its
// cycle bit matches the ring's expected cycle (i.e. whether the
// controller has produced it yet).
func (c *Consumer) Peek() (t trb.TRB, ready bool) {
	slot := trb.At(c.base, c.dequeueIndex)
	if slot.Cycle() != c.expectedCycle {
		return trb.TRB{}, false
	}
	return *slot, true
}

// Advance moves the dequeue pointer past the TRB last returned by Peek,
// flipping the expected cycle bit on wraparound.
func (c *Consumer) Advance() {
	c.dequeueIndex++
	if c.dequeueIndex == c.capacity {
		c.dequeueIndex = 0
		c.expectedCycle = !c.expectedCycle
	}
}

// DequeuePhysAddr returns the physical address of the current dequeue
// slot, the value written back to ERDP after a drain pass.
func (c *Consumer) DequeuePhysAddr() uint64 {
	return c.phys + uint64(c.dequeueIndex*trb.Size)
}

// Drain calls fn for every ready TRB starting at the current dequeue
// position, advancing past each, until Peek reports not-ready. It returns
// the number of TRBs handled, matching the "drain all ready event-ring
// TRBs, handle each, write ERDP once" shape used by the event loop.
func (c *Consumer) Drain(fn func(trb.TRB)) int {
	n := 0
	for {
		t, ready := c.Peek()
		if !ready {
			return n
		}
		fn(t)
		c.Advance()
		n++
	}
}
