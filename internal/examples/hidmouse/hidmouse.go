// Package hidmouse is a minimal reference class driver exercising the
// driver.Probe/driver.Instance contract end to end: it claims any device
// whose device-level class/protocol report HID class with the boot mouse
// protocol, then, once a Requester is bound, periodically polls its
// interrupt-IN endpoint and logs the report.
// It is scaffolding for tests and documentation, not a production HID
// stack (no report-descriptor parsing).
package hidmouse

import (
	"context"
	"time"

	"github.com/usb-stack/xhcihost/driver"
	"github.com/usb-stack/xhcihost/internal/logging"
)

const (
	classHID          = 0x03
	protocolBootMouse = 0x02
	pollInterval      = 10 * time.Millisecond
)

// Probe claims devices whose device-level class/protocol matches a boot
// mouse, per USB HID §4.2.
type Probe struct{}

// New returns a Probe ready to register with a Host's driver list.
func New() *Probe {
	return &Probe{}
}

// Name implements driver.Probe.
func (Probe) Name() string { return "hidmouse" }

// PreloadModule implements driver.Probe; this reference driver has no
// process-wide state to initialize.
func (Probe) PreloadModule() {}

// ShouldActivate implements driver.Probe.
func (Probe) ShouldActivate(dev driver.DeviceHandle) (driver.Instance, bool) {
	if dev.Class() != classHID || dev.Protocol() != protocolBootMouse {
		return nil, false
	}
	return &Instance{dev: dev}, true
}

// Requester is the subset of Device the instance needs to poll its
// interrupt endpoint, kept narrow so this package does not import the
// root package.
type Requester interface {
	RequestOnce(ctx context.Context, req Request) (Result, error)
}

// Request mirrors the fields of the root package's Request type that
// this driver needs. The root package's Device.RequestOnce takes and
// returns the root package's own types, so a small adapter is needed to
// satisfy Requester with it.
type Request struct {
	EndpointDCI uint8
	Buffer      []byte
	DataIn      bool
}

// Result mirrors the root package's RequestResult.
type Result struct {
	Success bool
}

// Instance polls a boot mouse's interrupt-IN endpoint and logs each
// 3-byte report (buttons, dx, dy).
type Instance struct {
	dev       driver.DeviceHandle
	requester Requester
	dci       uint8

	stop chan struct{}
}

// BindRequester wires the running device handle the instance will poll,
// since driver.DeviceHandle alone cannot issue requests. Host does not
// call it when activating the driver; without a bound requester Run logs
// a warning and returns nil.
func (i *Instance) BindRequester(r Requester, interruptInDCI uint8) {
	i.requester = r
	i.dci = interruptInDCI
}

// Run implements driver.Instance: it polls the bound endpoint at
// pollInterval until ctx is cancelled.
func (i *Instance) Run(ctx context.Context) error {
	i.stop = make(chan struct{})
	logger := logging.Default()

	if i.requester == nil {
		logger.Warn("hidmouse instance run without a bound requester")
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	report := make([]byte, 3)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.stop:
			return nil
		case <-ticker.C:
			res, err := i.requester.RequestOnce(ctx, Request{
				EndpointDCI: i.dci,
				Buffer:      report,
				DataIn:      true,
			})
			if err != nil {
				logger.Debug("hidmouse poll failed", "error", err)
				continue
			}
			if res.Success {
				logger.Debug("hidmouse report", "buttons", report[0], "dx", int8(report[1]), "dy", int8(report[2]))
			}
		}
	}
}

// PreDrop implements driver.Instance.
func (i *Instance) PreDrop() {
	if i.stop != nil {
		close(i.stop)
	}
}
