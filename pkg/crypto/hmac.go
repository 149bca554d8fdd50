package crypto

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by the device handshake wire format
)

// HMACSize is the length, in bytes, of an HMAC-SHA1 digest.
const HMACSize = sha1.Size

// HMACSHA1 computes the HMAC-SHA1 of data keyed by key. The handshake
// uses it, keyed by the session key, over the RSA-encrypted session-key
// ciphertext.
func HMACSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
