// Package server runs the gateway's TCP accept loop: one handshake and
// one DeviceSession per accepted connection, with a connection cap and
// lifecycle events published on the gateway's event bus.
package server
