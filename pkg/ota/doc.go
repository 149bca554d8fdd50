// Package ota implements the Flasher: a retry-aware chunked binary
// delivery protocol run over a DeviceSession once it has claimed
// exclusive ownership. It supports a slow mode (request/ack per chunk)
// and a fast mode (pipelined, with asynchronous missed-chunk recovery)
// negotiated from the device's UpdateReady response.
package ota
