package trb

import "testing"

func TestParamRoundTrip(t *testing.T) {
	var tr TRB
	tr.SetParam(0xdeadbeefcafef00d)
	if got := tr.Param(); got != 0xdeadbeefcafef00d {
		t.Fatalf("Param() = %#x, want %#x", got, uint64(0xdeadbeefcafef00d))
	}
}

func TestCycleBit(t *testing.T) {
	var tr TRB
	tr.SetCycle(true)
	if !tr.Cycle() {
		t.Fatal("expected cycle bit set")
	}
	tr.SetCycle(false)
	if tr.Cycle() {
		t.Fatal("expected cycle bit cleared")
	}
}

func TestTRBTypeRoundTrip(t *testing.T) {
	var tr TRB
	tr.SetTRBType(TypeCommandCompletionEvent)
	tr.SetCycle(true)
	if got := tr.TRBType(); got != TypeCommandCompletionEvent {
		t.Fatalf("TRBType() = %d, want %d", got, TypeCommandCompletionEvent)
	}
	if !tr.Cycle() {
		t.Fatal("setting type must not clobber cycle bit")
	}
}

func TestCompletionCodePreservesLength(t *testing.T) {
	var tr TRB
	tr.SetStatus(0x1234)
	tr.SetCompletionCode(CompletionShortPacket)
	if got := tr.CompletionCode(); got != CompletionShortPacket {
		t.Fatalf("CompletionCode() = %d, want %d", got, CompletionShortPacket)
	}
	if got := tr.Status() & 0x00ffffff; got != 0x1234 {
		t.Fatalf("transfer length corrupted: %#x", got)
	}
}

func TestSlotIDRoundTrip(t *testing.T) {
	var tr TRB
	tr.SetTRBType(TypeCommandCompletionEvent)
	tr.SetSlotID(7)
	if got := tr.SlotID(); got != 7 {
		t.Fatalf("SlotID() = %d, want 7", got)
	}
	if got := tr.TRBType(); got != TypeCommandCompletionEvent {
		t.Fatalf("setting slot id must not clobber type: got %d", got)
	}
}

func TestInterruptFlagsPreserveTypeAndCycle(t *testing.T) {
	var tr TRB
	tr.SetTRBType(TypeNormal)
	tr.SetCycle(true)
	tr.SetInterruptOnCompletion(true)
	tr.SetInterruptOnShortPacket(true)

	if tr.TRBType() != TypeNormal {
		t.Fatalf("TRBType() = %d, want TypeNormal", tr.TRBType())
	}
	if !tr.Cycle() {
		t.Fatal("setting IOC/ISP must not clobber cycle bit")
	}
	if tr.Control()&(uint32(1)<<5) == 0 {
		t.Fatal("expected IOC bit set")
	}
	if tr.Control()&(uint32(1)<<2) == 0 {
		t.Fatal("expected ISP bit set")
	}

	tr.SetInterruptOnCompletion(false)
	if tr.Control()&(uint32(1)<<5) != 0 {
		t.Fatal("expected IOC bit cleared")
	}
	if tr.Control()&(uint32(1)<<2) == 0 {
		t.Fatal("clearing IOC must not clobber ISP")
	}
}

func TestNewLink(t *testing.T) {
	l := NewLink(0x1000, true, true)
	if l.TRBType() != TypeLink {
		t.Fatalf("NewLink type = %d, want TypeLink", l.TRBType())
	}
	if !l.Cycle() {
		t.Fatal("expected cycle bit set")
	}
	if !l.ToggleCycle() {
		t.Fatal("expected toggle-cycle bit set")
	}
	if l.Param() != 0x1000 {
		t.Fatalf("Param() = %#x, want 0x1000", l.Param())
	}
}
