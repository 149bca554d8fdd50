package server

import "errors"

var (
	// ErrAlreadyStarted is returned by Start when the server is already
	// running.
	ErrAlreadyStarted = errors.New("server: already started")

	// ErrNotStarted is returned by Shutdown when the server was never
	// started.
	ErrNotStarted = errors.New("server: not started")
)
