// Package xhcihost is the public facade for the xHCI host controller
// engine: Host and Device handles, Request submission, structured errors,
// and metrics. Everything register- and ring-level lives under internal/.
package xhcihost

import (
	"github.com/usb-stack/xhcihost/internal/dispatch"
	"github.com/usb-stack/xhcihost/internal/trb"
)

// Request is a single control, bulk, or interrupt transfer submitted
// against one of a Device's configured endpoints.
type Request struct {
	// EndpointDCI identifies the target endpoint by Device Context Index.
	// DCI 1 is always the default control endpoint (EP0).
	EndpointDCI uint8

	// Buffer is the data to transfer; for an IN transfer the caller reads
	// from it after RequestOnce returns, for an OUT transfer the caller
	// fills it before calling RequestOnce.
	Buffer []byte

	// Setup carries the 8-byte Setup Data Packet for a control transfer on
	// EP0; leave zero for bulk/interrupt endpoints.
	Setup [8]byte
	IsControl bool
	DataIn    bool

	// KeepFill marks an Interrupt request for automatic re-posting: the
	// event loop re-enqueues it on every completion instead of delivering
	// a result, keeping a polling-style endpoint permanently armed. Submit
	// this only through Device.RequestNoResponse.
	KeepFill bool
}

// RequestResult reports the outcome of a completed Request. A non-nil
// error from RequestOnce means the transport failed to deliver the
// request at all (e.g. context cancelled, device removed); a hardware
// completion code that is not Success is reported here, not as a Go
// error, since the round trip to the controller itself succeeded.
type RequestResult struct {
	Success          bool
	CompletionCode   uint8
	BytesTransferred uint32
}

func resultFromDispatch(r dispatch.Result) RequestResult {
	return RequestResult{
		// Success and ShortPacket both count as a delivered transfer; a
		// short read is the normal outcome of requesting more bytes than
		// the descriptor actually has.
		Success: r.CompletionCode == trb.CompletionSuccess ||
			r.CompletionCode == trb.CompletionShortPacket,
		CompletionCode:   uint8(r.CompletionCode),
		BytesTransferred: r.BytesTransferred,
	}
}
