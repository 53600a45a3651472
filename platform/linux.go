//go:build linux

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LinuxPlatform is the real-hardware Platform implementation: it maps the
// xHCI MMIO window through /dev/mem and backs DMA buffers with locked,
// anonymous mmap regions.
type LinuxPlatform struct {
	memFd int
}

// NewLinuxPlatform opens /dev/mem for MMIO mapping. Requires
// CAP_SYS_RAWIO; intended for bring-up environments where the xHCI
// controller isn't already owned by a kernel driver.
func NewLinuxPlatform() (*LinuxPlatform, error) {
	fd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("platform: open /dev/mem: %w", err)
	}
	return &LinuxPlatform{memFd: fd}, nil
}

// Close releases the /dev/mem file descriptor.
func (p *LinuxPlatform) Close() error {
	return unix.Close(p.memFd)
}

// PageSize implements Platform.
func (p *LinuxPlatform) PageSize() int {
	return unix.Getpagesize()
}

// AllocDMA implements Platform with a locked, anonymous mapping. The
// process is assumed identity-mapped (PhysAddr returns the virtual
// address unchanged), matching a bring-up target with no IOMMU in the
// path; a production target would instead obtain the mapping from a
// hugepage-backed or driver-reserved physically-contiguous pool.
func (p *LinuxPlatform) AllocDMA(size, align int) (DMABuffer, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("platform: alignment %d is not a power of two", align)
	}
	pageSize := p.PageSize()
	mapSize := (size + pageSize - 1) &^ (pageSize - 1)

	b, err := unix.Mmap(-1, 0, mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap %d bytes: %w", mapSize, err)
	}
	return &linuxDMABuffer{bytes: b}, nil
}

// PhysAddr implements Platform under the identity-mapped assumption
// AllocDMA documents above.
func (p *LinuxPlatform) PhysAddr(virt unsafe.Pointer) (uintptr, error) {
	return uintptr(virt), nil
}

// MapMMIO implements Platform by mmap-ing the physical register window
// out of /dev/mem.
func (p *LinuxPlatform) MapMMIO(base uintptr, size int) (unsafe.Pointer, error) {
	pageSize := p.PageSize()
	pageBase := base &^ uintptr(pageSize-1)
	offset := int(base - pageBase)
	mapSize := ((offset + size + pageSize - 1) / pageSize) * pageSize

	b, err := unix.Mmap(p.memFd, int64(pageBase), mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap MMIO base %#x size %d: %w", base, size, err)
	}
	return unsafe.Add(unsafe.Pointer(&b[0]), offset), nil
}

type linuxDMABuffer struct {
	bytes []byte
}

func (b *linuxDMABuffer) Bytes() []byte {
	return b.bytes
}

func (b *linuxDMABuffer) PhysAddr() uintptr {
	return uintptr(unsafe.Pointer(&b.bytes[0]))
}

func (b *linuxDMABuffer) Free() {
	unix.Munmap(b.bytes)
}
