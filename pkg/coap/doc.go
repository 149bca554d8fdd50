// Package coap implements the constrained subset of CoAP (RFC 7252) carried
// over a device's encrypted session stream, together with the symbolic
// message-name table used by the rest of the gateway.
//
// Only what deployed device firmware actually speaks is implemented: the
// fixed 4-byte header, token, a handful of options (Uri-Path, Uri-Query),
// and an opaque payload. There is no retransmission, no blockwise transfer,
// and no observe extension — those concerns belong to the session and
// flasher layers, which build their own retry and chunking semantics on
// top of this wire format.
package coap
