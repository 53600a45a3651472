package xhcihost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usb-stack/xhcihost/internal/trb"
)

func TestReleaseConfigSemAfterReleasesOnSuccess(t *testing.T) {
	released := false
	releaseConfigSemAfter(func() { released = true }, RequestResult{CompletionCode: uint8(trb.CompletionSuccess)})
	require.True(t, released)
}

func TestReleaseConfigSemAfterReleasesOnShortPacket(t *testing.T) {
	released := false
	releaseConfigSemAfter(func() { released = true }, RequestResult{CompletionCode: uint8(trb.CompletionShortPacket)})
	require.True(t, released)
}

func TestReleaseConfigSemAfterPanicsOnOtherCodes(t *testing.T) {
	released := false
	require.Panics(t, func() {
		releaseConfigSemAfter(func() { released = true }, RequestResult{CompletionCode: uint8(trb.CompletionStallError)})
	})
	require.False(t, released, "guard must not be released on the panic path")
}
