// Package session implements DeviceSession, the post-handshake owner of
// a device's encrypted socket. It frames and deciphers inbound bytes
// into CoAP messages, tracks the device->server message counter,
// dispatches messages by symbolic name to listeners and handlers, and
// enforces single-owner exclusive write access so a Flasher can suppress
// unrelated outbound traffic during an OTA job.
package session
