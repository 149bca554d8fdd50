// Package transport implements the chunking frame layer that sits directly
// on top of a device's encrypted session stream.
//
// Every byte exchanged with a device after the handshake completes is
// wrapped in a frame:
//
//	uint16_be length || ciphertext
//
// The framer has no notion of CoAP, ownership, or message counters; it only
// knows how to split a byte stream into discrete application records and
// glue them back together. A zero-length frame is a SocketPing: WriteFrame
// refuses empty data, WriteSocketPing emits one, and ReadFrame reports one
// as ErrSocketPing.
package transport
