// Package keystore persists the gateway's server keypair and the RSA
// public key of every device that has completed a handshake. A device key
// is either looked up on a returning connection or learned in-band on
// first contact, in which case the handshake persists it for next time.
package keystore
