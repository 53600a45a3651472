// Package dma provides small helpers layered over platform.Platform's raw
// DMA allocator: zero-filled segment allocation sized to a TRB/context
// array, and a typed pointer helper for reinterpreting a DMA buffer's
// backing bytes as a fixed-layout struct array. The backing memory itself
// is always obtained through platform.Platform.AllocDMA; this package
// never allocates page-locked memory on its own.
package dma

import (
	"fmt"
	"unsafe"

	"github.com/usb-stack/xhcihost/platform"
)

// Segment is an allocated, physically-contiguous DMA buffer together with
// the unsafe.Pointer view callers need for TRB/context array indexing.
type Segment struct {
	buf   platform.DMABuffer
	base  unsafe.Pointer
	phys  uint64
	bytes int
}

// Alloc allocates a zero-filled DMA segment of at least `size` bytes,
// aligned to `align` (which must be a power of two).
func Alloc(p platform.Platform, size, align int) (*Segment, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("dma: alignment %d is not a power of two", align)
	}
	buf, err := p.AllocDMA(size, align)
	if err != nil {
		return nil, fmt.Errorf("dma: alloc %d bytes aligned %d: %w", size, align, err)
	}
	b := buf.Bytes()
	if len(b) < size {
		return nil, fmt.Errorf("dma: platform returned %d bytes, want >= %d", len(b), size)
	}
	return &Segment{
		buf:   buf,
		base:  unsafe.Pointer(&b[0]),
		phys:  uint64(buf.PhysAddr()),
		bytes: size,
	}, nil
}

// Base returns the segment's virtual base address.
func (s *Segment) Base() unsafe.Pointer { return s.base }

// PhysAddr returns the segment's physical base address.
func (s *Segment) PhysAddr() uint64 { return s.phys }

// Bytes returns the segment's backing byte slice view.
func (s *Segment) Bytes() []byte { return s.buf.Bytes()[:s.bytes] }

// Len returns the segment's size in bytes.
func (s *Segment) Len() int { return s.bytes }

// Free releases the underlying DMA buffer. The Segment must not be used
// afterward.
func (s *Segment) Free() {
	s.buf.Free()
}

// AlignUp rounds n up to the next multiple of align (a power of two).
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
