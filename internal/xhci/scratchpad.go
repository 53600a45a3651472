package xhci

import (
	"fmt"
	"unsafe"

	"github.com/usb-stack/xhcihost/internal/dma"
	"github.com/usb-stack/xhcihost/platform"
)

// Scratchpad allocates the Scratchpad Buffer Array the controller
// requires for internal use when HCSPARAMS2 reports a non-zero Max
// Scratchpad Buffers count (xHCI §4.20). It owns both the pointer array
// (one physical address per buffer) and the buffers themselves.
type Scratchpad struct {
	array   *dma.Segment
	buffers []*dma.Segment
}

// NewScratchpad allocates `count` page-sized scratchpad buffers and the
// pointer array that references them.
func NewScratchpad(plat platform.Platform, count, pageSize int) (*Scratchpad, error) {
	if count <= 0 {
		return nil, fmt.Errorf("scratchpad: count must be > 0, got %d", count)
	}

	array, err := allocSegment(plat, count*8, 64)
	if err != nil {
		return nil, fmt.Errorf("scratchpad: allocate pointer array: %w", err)
	}

	buffers := make([]*dma.Segment, count)
	for i := 0; i < count; i++ {
		buf, err := allocSegment(plat, pageSize, pageSize)
		if err != nil {
			for j := 0; j < i; j++ {
				buffers[j].Free()
			}
			array.Free()
			return nil, fmt.Errorf("scratchpad: allocate buffer %d: %w", i, err)
		}
		buffers[i] = buf
		*(*uint64)(unsafe.Add(array.Base(), i*8)) = buf.PhysAddr()
	}

	return &Scratchpad{array: array, buffers: buffers}, nil
}

// PhysAddr returns the scratchpad pointer array's physical address, the
// value installed in DCBAA entry 0.
func (s *Scratchpad) PhysAddr() uint64 {
	return s.array.PhysAddr()
}

// Free releases every scratchpad buffer and the pointer array.
func (s *Scratchpad) Free() {
	for _, b := range s.buffers {
		b.Free()
	}
	s.array.Free()
}
