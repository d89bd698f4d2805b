package application

import "errors"

var (
	// ErrNotFound marks lookups for an unknown command id.
	ErrNotFound = errors.New("commands: not found")
	// ErrDeviceNotConnected marks a dispatch to a device with no live channel.
	ErrDeviceNotConnected = errors.New("commands: device not connected")
	// ErrNotRetryable marks a manual retry of a command that is not FAILED.
	ErrNotRetryable = errors.New("commands: command is not in FAILED state")
	// ErrInvalidRequest marks a dispatch request that fails validation.
	ErrInvalidRequest = errors.New("commands: invalid request")
)
