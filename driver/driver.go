// Package driver declares the class-driver registry contract: the
// interface a USB class driver (HID, mass storage, hub, ...) implements to
// be probed against an enumerated device and, once activated, to run its
// own request loop against that device.
package driver

import "context"

// Probe is implemented by a class driver module. The host calls
// ShouldActivate for every newly-addressed device; a driver that claims
// the device returns an Instance and true.
type Probe interface {
	// Name identifies the driver in logs and diagnostics.
	Name() string

	// PreloadModule runs once before any device is probed, giving the
	// driver a chance to do process-wide setup (e.g. register a report
	// descriptor parser). It must not block.
	PreloadModule()

	// ShouldActivate inspects dev's descriptors (already fetched by the
	// core) and returns a ready-to-run Instance if this driver claims the
	// device, or ok=false if it does not.
	ShouldActivate(dev DeviceHandle) (instance Instance, ok bool)
}

// DeviceHandle is the subset of the device facade a class driver needs in
// order to decide whether it claims a device and to issue requests against
// it. It exists so this package does not import the root package (which
// would create an import cycle, since the root package's Host is the
// caller of Probe.ShouldActivate).
type DeviceHandle interface {
	// VendorID and ProductID come from the device's standard device
	// descriptor.
	VendorID() uint16
	ProductID() uint16

	// Class, Subclass, and Protocol also come from the standard device
	// descriptor (bDeviceClass, bDeviceSubClass, bDeviceProtocol);
	// interface descriptors are not consulted.
	Class() uint8
	Subclass() uint8
	Protocol() uint8
}

// Instance is the running handle for an activated class driver. Run is
// invoked on its own goroutine; it should exit when ctx is cancelled.
type Instance interface {
	// Run drives the driver's own request loop until ctx is cancelled or
	// an unrecoverable error occurs.
	Run(ctx context.Context) error

	// PreDrop is called before the underlying device is torn down, giving
	// the driver a last chance to quiesce outstanding requests.
	PreDrop()
}
