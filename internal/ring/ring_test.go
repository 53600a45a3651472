package ring

import (
	"unsafe"

	"testing"

	"github.com/usb-stack/xhcihost/internal/trb"
)

func newBackingSegment(slots int) (unsafe.Pointer, uint64) {
	buf := make([]byte, slots*trb.Size)
	return unsafe.Pointer(&buf[0]), uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func TestProducerWrapsAndTogglesCycle(t *testing.T) {
	base, phys := newBackingSegment(4) // 3 usable + 1 Link
	p, err := NewProducer(base, phys, 4)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if p.Capacity() != 3 {
		t.Fatalf("Capacity() = %d, want 3", p.Capacity())
	}

	var normal trb.TRB
	normal.SetTRBType(trb.TypeNormal)

	for i := 0; i < 3; i++ {
		p.Enqueue(normal)
	}
	// Fourth enqueue should have wrapped past the Link TRB back to slot 0
	// with the cycle bit flipped.
	addr := p.Enqueue(normal)
	if addr != phys {
		t.Fatalf("expected wraparound to base address %#x, got %#x", phys, addr)
	}
	slot0 := trb.At(base, 0)
	if slot0.Cycle() == true {
		// cycle flips after the first lap, so the second lap's slot 0
		// should carry the flipped (false) bit.
		t.Fatal("expected cycle bit to have flipped after wraparound")
	}
}

func TestEnqueueHeldPublishesCycleLast(t *testing.T) {
	base, phys := newBackingSegment(4)
	p, err := NewProducer(base, phys, 4)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	var normal trb.TRB
	normal.SetTRBType(trb.TypeNormal)

	addr, publish := p.EnqueueHeld(normal)
	if addr != phys {
		t.Fatalf("held TRB address = %#x, want %#x", addr, phys)
	}
	slot := trb.At(base, 0)
	if slot.Cycle() {
		t.Fatal("held TRB must carry the inverted (invalid) cycle bit")
	}
	publish()
	if !slot.Cycle() {
		t.Fatal("publish must flip the cycle bit to valid")
	}

	// The hold must not desync the producer: the next enqueue lands in the
	// following slot with the same producer cycle.
	next := p.Enqueue(normal)
	if next != phys+trb.Size {
		t.Fatalf("next enqueue at %#x, want %#x", next, phys+trb.Size)
	}
	if !trb.At(base, 1).Cycle() {
		t.Fatal("next TRB should carry the valid cycle bit")
	}
}

func TestConsumerDrain(t *testing.T) {
	base, phys := newBackingSegment(4)
	c := NewConsumer(base, phys, 4)

	// Producer writes TRBs with cycle=true (matches consumer's initial
	// expected cycle), simulating controller-produced events.
	for i := 0; i < 3; i++ {
		slot := trb.At(base, i)
		slot.SetTRBType(trb.TypeTransferEvent)
		slot.SetCycle(true)
	}

	count := 0
	c.Drain(func(tr trb.TRB) {
		if tr.TRBType() != trb.TypeTransferEvent {
			t.Fatalf("unexpected TRB type %d", tr.TRBType())
		}
		count++
	})
	if count != 3 {
		t.Fatalf("Drain handled %d TRBs, want 3", count)
	}

	// Slot 3 was never written (cycle=false, matches nothing), so a
	// second Drain call must see nothing ready.
	if n := c.Drain(func(trb.TRB) {}); n != 0 {
		t.Fatalf("expected no further ready TRBs, got %d", n)
	}
}
