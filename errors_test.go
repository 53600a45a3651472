package xhcihost

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapErrorPreservesCodeAndSlot(t *testing.T) {
	inner := NewSlotError("AddressDevice", 4, CodeHardware, "completion code 6")
	wrapped := WrapError("enumerate", inner)

	require.Equal(t, "enumerate", wrapped.Op)
	require.Equal(t, uint8(4), wrapped.SlotID)
	require.Equal(t, CodeHardware, wrapped.Code)
	require.True(t, IsCode(wrapped, CodeHardware))
	require.False(t, IsCode(wrapped, CodeTimeout))
}

func TestWrapErrorDefaultsToPlumbing(t *testing.T) {
	cause := errors.New("queue closed")
	wrapped := WrapError("Submit", cause)

	require.Equal(t, CodePlumbing, wrapped.Code)
	require.ErrorIs(t, wrapped, cause, "the cause must survive for errors.Is")
}

func TestWrapErrorNil(t *testing.T) {
	require.Nil(t, WrapError("Open", nil))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := NewError("EnableSlot", CodeHardware, "no slots")
	b := fmt.Errorf("outer: %w", a)
	require.True(t, errors.Is(b, NewError("", CodeHardware, "")))
	require.False(t, errors.Is(b, NewError("", CodePlatform, "")))
}
