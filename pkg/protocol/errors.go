package protocol

import "errors"

var (
	// ErrNotConnected is returned when the transport channel is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout is returned when the hardware does not answer within the
	// configured per-command timeout, after the retry budget is exhausted.
	ErrTimeout = errors.New("serial timeout")

	// ErrChecksum marks a reply whose ninth byte does not match the sum of
	// the first eight. Transient; eligible for retry.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrProtocol marks a malformed or unexpected frame that persisted
	// beyond the retry budget.
	ErrProtocol = errors.New("protocol error")

	// ErrPortNotFound is returned when the serial port cannot be opened.
	ErrPortNotFound = errors.New("serial port not found")
)
