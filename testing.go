package xhcihost

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/usb-stack/xhcihost/platform"
)

// FakePlatform is an in-process platform.Platform implementation backed
// by ordinary heap allocations: MMIO is a plain byte slice, and DMA
// buffers are identity-mapped (PhysAddr returns the buffer's virtual
// address reinterpreted as a uintptr). It exists so scenario tests and
// the simulator-backed smoke binary can drive the xHCI core without real
// hardware.
type FakePlatform struct {
	mu sync.Mutex

	pageSize int
	mmio     []byte

	allocCount int
	buffers    []*fakeDMABuffer
}

// NewFakePlatform returns a FakePlatform whose MMIO window is `mmioSize`
// bytes, zero-filled.
func NewFakePlatform(mmioSize int) *FakePlatform {
	return &FakePlatform{
		pageSize: 4096,
		mmio:     make([]byte, mmioSize),
	}
}

// PageSize implements platform.Platform.
func (f *FakePlatform) PageSize() int { return f.pageSize }

// AllocDMA implements platform.Platform.
func (f *FakePlatform) AllocDMA(size, align int) (platform.DMABuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("fakeplatform: size must be > 0")
	}
	// Over-allocate so we can hand back an aligned sub-slice.
	raw := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&raw[0]))
	offset := 0
	if rem := int(base) % align; rem != 0 {
		offset = align - rem
	}
	buf := &fakeDMABuffer{raw: raw, buf: raw[offset : offset+size]}

	f.mu.Lock()
	f.allocCount++
	f.buffers = append(f.buffers, buf)
	f.mu.Unlock()
	return buf, nil
}

// Resolve maps a physical address range back to the byte slice backing it,
// the inverse of the identity mapping PhysAddr assumes. It is how an
// in-process controller emulation reaches the rings and contexts software
// hands it by physical address; ok is false if no live DMA buffer covers
// the range.
func (f *FakePlatform) Resolve(phys uint64, size int) (b []byte, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, buf := range f.buffers {
		if buf.freed {
			continue
		}
		base := uint64(uintptr(unsafe.Pointer(&buf.buf[0])))
		if phys >= base && phys+uint64(size) <= base+uint64(len(buf.buf)) {
			off := int(phys - base)
			return buf.buf[off : off+size], true
		}
	}
	return nil, false
}

// PhysAddr implements platform.Platform under an identity-mapped
// assumption: the virtual address is returned unchanged as a uintptr.
func (f *FakePlatform) PhysAddr(virt unsafe.Pointer) (uintptr, error) {
	return uintptr(virt), nil
}

// MapMMIO implements platform.Platform by returning a pointer into the
// fake's pre-allocated MMIO byte slice. base is ignored; every mapping
// starts at offset 0 of the fake window, which is sufficient for a
// single-controller test harness.
func (f *FakePlatform) MapMMIO(base uintptr, size int) (unsafe.Pointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size > len(f.mmio) {
		grown := make([]byte, size)
		copy(grown, f.mmio)
		f.mmio = grown
	}
	return unsafe.Pointer(&f.mmio[0]), nil
}

// AllocCount reports how many AllocDMA calls have been made, for tests
// asserting on allocation behavior.
func (f *FakePlatform) AllocCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocCount
}

type fakeDMABuffer struct {
	raw   []byte
	buf   []byte
	freed bool
}

func (b *fakeDMABuffer) Bytes() []byte {
	return b.buf
}

func (b *fakeDMABuffer) PhysAddr() uintptr {
	return uintptr(unsafe.Pointer(&b.buf[0]))
}

func (b *fakeDMABuffer) Free() {
	b.freed = true
}

var _ platform.Platform = (*FakePlatform)(nil)
var _ platform.DMABuffer = (*fakeDMABuffer)(nil)
