// Package handshake implements the per-connection RSA+AES key exchange
// that runs once on every newly accepted device socket, before any CoAP
// traffic is processed. It authenticates the device's RSA public key,
// negotiates a session key, and hands back ready-to-use cipher/decipher
// streams plus any bytes the device sent while the handshake was still
// finishing up.
package handshake
