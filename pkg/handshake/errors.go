package handshake

import (
	"errors"
	"fmt"
)

// Stage names one of the five handshake states.
type Stage string

// The five handshake stages, in the order they execute.
const (
	StageSendNonce      Stage = "send-nonce"
	StageReadCoreID     Stage = "read-core-id"
	StageGetCoreKey     Stage = "get-core-key"
	StageSendSessionKey Stage = "send-session-key"
	StageSendHello      Stage = "send-hello"
)

// Sentinel error kinds. Where one of these applies, Run wraps it in an
// *Error so callers can classify the failure with errors.Is. Other
// failures (socket I/O, key-store errors) are wrapped in an *Error as
// they are, without a sentinel.
var (
	ErrTimeout       = errors.New("handshake timed out")
	ErrDecrypt       = errors.New("handshake decrypt failed")
	ErrNonceMismatch = errors.New("handshake nonce mismatch")
	ErrUnknownDevice = errors.New("handshake: unknown device")
	ErrMalformed     = errors.New("handshake: malformed payload")
)

// Error reports the stage at which a handshake failed and why. The
// socket is always closed by the time Run returns an *Error.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("handshake: stage %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(stage Stage, err error) *Error {
	return &Error{Stage: stage, Err: err}
}
