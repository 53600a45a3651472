// Package eventbus implements the device lifecycle notification surface
// consumed by class drivers and diagnostics: subscribers are notified
// before and after a device is initialized, through a buffered channel
// per subscriber with non-blocking sends so a slow subscriber never
// stalls the event loop.
package eventbus

import "sync"

// DeviceInfo is the minimal device identity passed to subscribers; it
// intentionally avoids depending on the root package's Device type to
// keep this package import-cycle-free.
type DeviceInfo struct {
	// Port is the 0-indexed root hub port the device is attached to; it is
	// the only identity available at pre-initialize time, before a slot has
	// been assigned.
	Port      int
	SlotID    uint8
	VendorID  uint16
	ProductID uint16
}

// Bus fans out pre- and post-initialization notifications to any number
// of subscribers.
type Bus struct {
	mu              sync.Mutex
	preInitialize   []chan DeviceInfo
	postInitialized []chan DeviceInfo
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// SubscribePreInitialize returns a channel that receives a DeviceInfo
// (with only Port set) after a connected port has been reset and before
// Enable Slot is issued for it. The notification is informational: the
// host does not wait for subscribers, so they cannot veto enumeration.
func (b *Bus) SubscribePreInitialize() <-chan DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan DeviceInfo, 1)
	b.preInitialize = append(b.preInitialize, ch)
	return ch
}

// SubscribePostInitialized returns a channel that receives a DeviceInfo
// once enumeration has finished (slot addressed, descriptors cached),
// just before class drivers are probed. The device is not configured yet
// at that point.
func (b *Bus) SubscribePostInitialized() <-chan DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan DeviceInfo, 1)
	b.postInitialized = append(b.postInitialized, ch)
	return ch
}

// PreInitializeDevice notifies every pre-initialize subscriber. Sends are
// non-blocking: a subscriber that hasn't drained its previous
// notification misses this one rather than stalling the caller.
func (b *Bus) PreInitializeDevice(info DeviceInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.preInitialize {
		select {
		case ch <- info:
		default:
		}
	}
}

// PostInitializedDevice notifies every post-initialized subscriber.
func (b *Bus) PostInitializedDevice(info DeviceInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.postInitialized {
		select {
		case ch <- info:
		default:
		}
	}
}
