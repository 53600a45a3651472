package xhci

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/usb-stack/xhcihost/platform"
)

// heapPlatform backs DMA allocations with plain heap slices under the same
// identity-mapped assumption the rest of the test harness uses. It lives
// here (not in the root package's testing.go) because an in-package xhci
// test cannot import the root package without a cycle.
type heapPlatform struct{}

func (heapPlatform) PageSize() int { return 4096 }

func (heapPlatform) AllocDMA(size, align int) (platform.DMABuffer, error) {
	raw := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&raw[0]))
	offset := 0
	if rem := int(base) % align; rem != 0 {
		offset = align - rem
	}
	return heapBuffer(raw[offset : offset+size]), nil
}

func (heapPlatform) PhysAddr(virt unsafe.Pointer) (uintptr, error) {
	return uintptr(virt), nil
}

func (heapPlatform) MapMMIO(base uintptr, size int) (unsafe.Pointer, error) {
	raw := make([]byte, size)
	return unsafe.Pointer(&raw[0]), nil
}

type heapBuffer []byte

func (b heapBuffer) Bytes() []byte     { return b }
func (b heapBuffer) PhysAddr() uintptr { return uintptr(unsafe.Pointer(&b[0])) }
func (b heapBuffer) Free()             {}

// TestDCBAAEntryTracksOutputContext checks that allocating a slot installs
// its Output Device Context's physical address at the slot's DCBAA index,
// and that freeing the slot clears it again.
func TestDCBAAEntryTracksOutputContext(t *testing.T) {
	dcl, err := NewDeviceContextList(heapPlatform{}, 8)
	require.NoError(t, err)

	s, err := dcl.AllocateSlot(heapPlatform{}, 3, outputContextSize)
	require.NoError(t, err)

	entry := *(*uint64)(unsafe.Add(dcl.seg.Base(), 3*dcbaaEntrySize))
	require.Equal(t, s.OutputCtx.PhysAddr(), entry)
	require.Equal(t, SlotStateEnabled, s.State)

	dcl.FreeSlot(3)
	entry = *(*uint64)(unsafe.Add(dcl.seg.Base(), 3*dcbaaEntrySize))
	require.Zero(t, entry)
	require.Nil(t, dcl.Slot(3))
}

func TestDCBAARejectsOutOfRangeAndDuplicateSlots(t *testing.T) {
	dcl, err := NewDeviceContextList(heapPlatform{}, 4)
	require.NoError(t, err)

	_, err = dcl.AllocateSlot(heapPlatform{}, 0, outputContextSize)
	require.Error(t, err, "slot 0 is reserved for the scratchpad entry")
	_, err = dcl.AllocateSlot(heapPlatform{}, 5, outputContextSize)
	require.Error(t, err)

	_, err = dcl.AllocateSlot(heapPlatform{}, 2, outputContextSize)
	require.NoError(t, err)
	_, err = dcl.AllocateSlot(heapPlatform{}, 2, outputContextSize)
	require.Error(t, err)
}

// TestScratchpadEntryOccupiesIndexZero checks the reserved DCBAA entry:
// index 0 carries the scratchpad pointer array's address, and every
// scratchpad buffer pointer in that array is non-zero.
func TestScratchpadEntryOccupiesIndexZero(t *testing.T) {
	dcl, err := NewDeviceContextList(heapPlatform{}, 4)
	require.NoError(t, err)

	sp, err := NewScratchpad(heapPlatform{}, 3, 4096)
	require.NoError(t, err)
	dcl.SetScratchpadEntry(sp.PhysAddr())

	entry := *(*uint64)(unsafe.Add(dcl.seg.Base(), 0))
	require.Equal(t, sp.PhysAddr(), entry)

	for i := 0; i < 3; i++ {
		ptr := *(*uint64)(unsafe.Add(sp.array.Base(), i*8))
		require.NotZero(t, ptr, "scratchpad buffer %d pointer", i)
	}
}

// TestEventRingERSTEntry checks the single-segment Event Ring Segment
// Table entry layout: segment base address followed by segment size.
func TestEventRingERSTEntry(t *testing.T) {
	er, err := NewEventRing(heapPlatform{}, 16)
	require.NoError(t, err)

	raw := er.erstSeg.Bytes()
	require.Equal(t, er.segSeg.PhysAddr(), binary.LittleEndian.Uint64(raw[0:8]))
	require.Equal(t, uint32(16), binary.LittleEndian.Uint32(raw[8:12]))
	require.Equal(t, er.segSeg.PhysAddr(), er.DequeuePhysAddr(), "dequeue starts at the segment base")
}
