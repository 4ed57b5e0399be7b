package protocol

import "errors"

var (
	ErrMessageTypeMismatch = errors.New("protocol: message type mismatch")
	ErrUnknownDeviceOp     = errors.New("protocol: unknown device op")
	ErrMalformedMessage    = errors.New("protocol: malformed message")
)
