package ota

import (
	"errors"
	"fmt"
)

// Cause names one of the reasons an OTA job failed.
type Cause string

const (
	CauseClaimDenied       Cause = "claim-denied"
	CauseBeginTimeout      Cause = "begin-timeout"
	CauseAborted           Cause = "aborted"
	CauseChunkReceivedFail Cause = "chunk-received-fail"
	CauseMissedChunkFlood  Cause = "missed-chunk-flood"
	CauseTimeout           Cause = "timeout"
)

// Sentinel error kinds. Run returns an *Error whose Cause classifies the
// failure: it wraps one of these where the flasher itself detects the
// failure, and the underlying session or context error where a send or
// wait fails. New returns ErrEmptyFirmware and ErrChunkSizeTooLarge
// unwrapped.
var (
	ErrClaimDenied       = errors.New("ota: ownership claim denied")
	ErrBeginTimeout      = errors.New("ota: UpdateBegin timed out")
	ErrAborted           = errors.New("ota: device aborted the update")
	ErrChunkReceivedFail = errors.New("ota: device rejected a chunk")
	ErrMissedChunkFlood  = errors.New("ota: too many outstanding missed chunks")
	ErrTimeout           = errors.New("ota: overall OTA timeout exceeded")
	ErrEmptyFirmware     = errors.New("ota: firmware buffer is empty")
	ErrChunkSizeTooLarge = errors.New("ota: chunk size exceeds the protocol maximum")
)

// Error reports why an OTA job failed. Reason is set only when Cause is
// CauseAborted, carrying the device's UpdateAbort payload byte.
type Error struct {
	Cause  Cause
	Reason uint8
	Err    error
}

func (e *Error) Error() string {
	if e.Cause == CauseAborted {
		return fmt.Sprintf("ota: %s: reason=%d", e.Cause, e.Reason)
	}
	return fmt.Sprintf("ota: %s: %v", e.Cause, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(cause Cause, err error) *Error {
	return &Error{Cause: cause, Err: err}
}

func aborted(reason uint8) *Error {
	return &Error{Cause: CauseAborted, Reason: reason, Err: ErrAborted}
}
