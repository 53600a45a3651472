package xhcihost

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a structured Error: a small set of high-level
// categories a caller can branch on with errors.Is, plus a free-text
// message and wrapped cause for diagnostics.
type ErrorCode string

const (
	// CodeHardware indicates the controller reported a non-Success
	// completion code for an otherwise well-formed request.
	CodeHardware ErrorCode = "hardware"

	// CodeProtocolViolation indicates the controller or device did
	// something the xHCI/USB protocol does not allow (e.g. an
	// unexpected TRB type, a malformed descriptor).
	CodeProtocolViolation ErrorCode = "protocol violation"

	// CodePlumbing indicates an internal bookkeeping failure (ring full,
	// slot table exhausted, no pending entry for a completion) that
	// should not occur absent a bug.
	CodePlumbing ErrorCode = "plumbing"

	// CodePlatform indicates the platform.Platform implementation failed
	// a request (DMA allocation, MMIO mapping).
	CodePlatform ErrorCode = "platform"

	// CodeTimeout indicates a bounded wait (reset, port reset, command
	// completion) exceeded its deadline.
	CodeTimeout ErrorCode = "timeout"
)

// Error is the structured error type most exported operations in this
// package return on failure. EnableFunction's checks for a missing
// interface descriptor and for a failed SET_CONFIGURATION completion
// return plain errors instead.
type Error struct {
	Op     string // operation that failed, e.g. "EnableSlot", "AddressDevice"
	SlotID uint8  // device slot involved, 0 if not applicable
	Code   ErrorCode
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	if e.SlotID != 0 {
		return fmt.Sprintf("xhcihost: %s (op=%s slot=%d): %s", e.Code, e.Op, e.SlotID, e.Msg)
	}
	return fmt.Sprintf("xhcihost: %s (op=%s): %s", e.Code, e.Op, e.Msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison by ErrorCode, so callers can write
// errors.Is(err, xhcihost.CodeHardware) style checks via IsCode below, or
// compare two *Error values directly by code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError builds a structured Error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewSlotError builds a structured Error scoped to a specific slot.
func NewSlotError(op string, slotID uint8, code ErrorCode, msg string) *Error {
	return &Error{Op: op, SlotID: slotID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with operation context, preserving
// the original's code if it is already a structured Error.
func WrapError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) {
		return &Error{Op: op, SlotID: inner.SlotID, Code: inner.Code, Msg: inner.Msg, Inner: err}
	}
	return &Error{Op: op, Code: CodePlumbing, Msg: err.Error(), Inner: err}
}

// IsCode reports whether err is a structured Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
