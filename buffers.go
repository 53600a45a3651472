package xhcihost

import (
	"github.com/usb-stack/xhcihost/internal/dma"
	"github.com/usb-stack/xhcihost/platform"
)

// controlBuffer is a short-lived DMA-backed scratch buffer used for a
// single control or bulk/interrupt transfer's data stage.
type controlBuffer struct {
	seg   *dma.Segment
	phys  uint64
	bytes []byte
}

func allocControlBuffer(p platform.Platform, size int) (*controlBuffer, error) {
	seg, err := dma.Alloc(p, size, 64)
	if err != nil {
		return nil, err
	}
	return &controlBuffer{seg: seg, phys: seg.PhysAddr(), bytes: seg.Bytes()}, nil
}

func (b *controlBuffer) free() {
	b.seg.Free()
}
