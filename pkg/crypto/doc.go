// Package crypto implements the cryptographic primitives used by the
// device handshake and the encrypted session that follows it: RSA
// encrypt/decrypt/sign operations sized for the server's identity keypair
// and the per-device public key, an AES-128-CBC cipher/decipher pair keyed
// from the negotiated session key (each message under its own
// counter-derived IV), HMAC-SHA1, and random byte
// generation for nonces and session keys.
//
// None of this is general-purpose. The padding scheme, key sizes, and
// chaining behaviour are fixed by the device firmware this package talks
// to, not chosen for cryptographic best practice.
package crypto
