package dispatch

import (
	"context"
	"time"

	"github.com/usb-stack/xhcihost/internal/logging"
	"github.com/usb-stack/xhcihost/internal/trb"
	"github.com/usb-stack/xhcihost/internal/xhci"
	"github.com/usb-stack/xhcihost/platform"
)

// idlePollInterval paces WakeTimer/WakeYield platforms' re-check of the
// event ring between wake signals, so the loop never busy-spins.
const idlePollInterval = 500 * time.Microsecond

// PortChangeFunc is invoked on each Port Status Change Event TRB with the
// 0-indexed port number, so the slot-enumeration path can react to
// connect/disconnect.
type PortChangeFunc func(port int)

// EventLoop owns the single goroutine allowed to drain the Event Ring
// and write back ERDP. It routes Transfer Events to the dispatcher's
// pending table and Command Completion Events to the command ring, and
// resumes from the platform's configured wake method between drains.
type EventLoop struct {
	ctrl     *xhci.Controller
	pending  *PendingTable
	refill   *RefillTable
	onPort   PortChangeFunc
	wake     platform.WakeMethod
	waker    platform.Waker
	wakeChan chan struct{}

	logger *logging.Logger
}

// NewEventLoop builds an event loop for ctrl, routing Transfer Events
// through pending (falling back to refill for keep-fill endpoints) and
// Port Status Change Events through onPort.
func NewEventLoop(ctrl *xhci.Controller, pending *PendingTable, refill *RefillTable, onPort PortChangeFunc, wake platform.WakeMethod, waker platform.Waker) *EventLoop {
	l := &EventLoop{
		ctrl:     ctrl,
		pending:  pending,
		refill:   refill,
		onPort:   onPort,
		wake:     wake,
		waker:    waker,
		wakeChan: make(chan struct{}, 1),
		logger:   logging.Default(),
	}
	if wake == platform.WakeInterrupt && waker != nil {
		waker.Register(l.signal)
	}
	return l
}

// signal wakes the loop from its idle wait; safe to call from
// interrupt-context-equivalent code.
func (l *EventLoop) signal() {
	select {
	case l.wakeChan <- struct{}{}:
	default:
	}
}

// Run drains the event ring until ctx is cancelled. Each iteration
// drains every currently-ready TRB, dispatches each to its handler and
// writes ERDP once; only a pass that finds nothing ready waits for the
// next wake signal or idle tick.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		n := l.ctrl.EventRing().Drain(l.handle)
		if n > 0 {
			l.ctrl.AckEventInterrupt(l.ctrl.EventRing().DequeuePhysAddr())
			continue // more may have arrived while we were handling these
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wakeChan:
		case <-l.idleTick():
		}
	}
}

// idleTick returns a channel that fires after a short interval for
// WakeTimer/WakeYield platforms, or nil (never fires, select blocks on it
// forever) for WakeInterrupt platforms that rely solely on signal().
func (l *EventLoop) idleTick() <-chan time.Time {
	if l.wake == platform.WakeInterrupt {
		return nil
	}
	return time.After(idlePollInterval)
}

func (l *EventLoop) handle(event trb.TRB) {
	switch event.TRBType() {
	case trb.TypeTransferEvent:
		addr := event.Param()
		if l.pending.Complete(addr, event) {
			return
		}
		if q, req, ok := l.refill.Take(addr); ok {
			// Keep-fill: re-post the same request synchronously, discarding
			// the completion code entirely.
			q.Repost(req)
			return
		}
		l.logger.Warn("transfer event with no matching pending request", "addr", addr)
	case trb.TypeCommandCompletionEvent:
		addr := event.Param()
		if !l.ctrl.CommandRing().Complete(addr, event) {
			l.logger.Warn("command completion with no matching pending command", "addr", addr)
		}
	case trb.TypePortStatusChangeEvent:
		// Port ID lives in bits 31:24 of the Parameter field, 1-indexed.
		port := int((event.Param()>>24)&0xff) - 1
		if port >= 0 && l.onPort != nil {
			l.onPort(port)
		}
	default:
		l.logger.Debug("unhandled event TRB type", "type", event.TRBType())
	}
}
