package xhci

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usb-stack/xhcihost/internal/constants"
)

func TestWriteSlotContextEncodesFields(t *testing.T) {
	buf := make([]byte, contextSize)
	writeSlotContext(buf, 0, constants.SpeedHigh, 3, 2)

	dword0 := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	require.Equal(t, uint32(constants.SpeedHigh)<<20|uint32(3)<<27, dword0)

	dword1 := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	require.Equal(t, uint32(2)<<16, dword1)
}

func TestWriteSlotContextPanicsOnNonzeroRouteString(t *testing.T) {
	buf := make([]byte, contextSize)
	require.Panics(t, func() {
		writeSlotContext(buf, 1, constants.SpeedHigh, 1, 1)
	})
}

func TestWriteEndpointContextEncodesTypeAndMaxPacket(t *testing.T) {
	buf := make([]byte, contextSize)
	p := resolveEndpointParams(EPTypeInterruptIn, 64, 10)
	writeEndpointContext(buf, EPTypeInterruptIn, p, 0x1000, true)

	dword1 := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	require.Equal(t, uint32(3)<<1|uint32(EPTypeInterruptIn&0x7)<<3|uint32(64)<<16, dword1)

	var trPtr uint64
	for i := 0; i < 8; i++ {
		trPtr |= uint64(buf[8+i]) << (8 * i)
	}
	require.Equal(t, uint64(0x1000)|1, trPtr, "dequeue cycle state bit must be set")
}

// TestResolveEndpointParamsInterruptOverrides checks the Interrupt-type
// adjustments: the interval is forced to 1 regardless of the descriptor's
// bInterval, max packet size is masked to 11 bits with the upper bits
// folded into max burst, and mult is 0.
func TestResolveEndpointParamsInterruptOverrides(t *testing.T) {
	p := resolveEndpointParams(EPTypeInterruptIn, 0x1840, 10)
	require.Equal(t, uint16(0x1840&0x7ff), p.maxPacketSize)
	require.Equal(t, uint8((0x1840&0x1800)>>11), p.maxBurstSize)
	require.Equal(t, uint8(0), p.mult)
	require.Equal(t, uint8(1), p.interval)
	require.Equal(t, uint8(3), p.errorCount, "only Isoch zeroes the error count")
	require.Equal(t, uint8(4), p.esitPayloadLow)
}

// TestResolveEndpointParamsIsochZeroesErrorCount checks the Isoch-only
// override that Interrupt does not share.
func TestResolveEndpointParamsIsochZeroesErrorCount(t *testing.T) {
	p := resolveEndpointParams(EPTypeIsochIn, 1024, 1)
	require.Equal(t, uint8(0), p.errorCount)
	require.Equal(t, uint8(1), p.interval)
}

// TestResolveEndpointParamsBulkUsesBaseRule checks the base rule applies
// unmodified for Bulk endpoints: interval = desc.interval-1, error count
// 3, and no max-burst/ESIT payload override.
func TestResolveEndpointParamsBulkUsesBaseRule(t *testing.T) {
	p := resolveEndpointParams(EPTypeBulkOut, 512, 0)
	require.Equal(t, uint16(512), p.maxPacketSize)
	require.Equal(t, uint8(0), p.maxBurstSize)
	require.Equal(t, uint8(0), p.interval)
	require.Equal(t, uint8(3), p.errorCount)
	require.Equal(t, uint8(0), p.esitPayloadLow)
}
