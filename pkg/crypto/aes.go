package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// SessionKeySize is the length, in bytes, of a handshake session key.
const SessionKeySize = 40

const (
	aesKeySize   = 16
	aesBlockSize = 16
	ivTailSize   = aesBlockSize - 4
)

// ErrBadSessionKeySize is returned when a session key blob is not exactly
// SessionKeySize bytes.
var ErrBadSessionKeySize = errors.New("crypto: session key must be 40 bytes")

// ErrShortCiphertext is returned when a ciphertext blob handed to a
// DecipherStream is not a whole number of AES blocks.
var ErrShortCiphertext = errors.New("crypto: ciphertext is not block-aligned")

// ErrBadPadding is returned when PKCS#7 unpadding fails. Outside of a
// corrupted stream, this is the symptom of a message-counter desync: the
// IV was derived from the wrong counter value and decryption produced
// garbage.
var ErrBadPadding = errors.New("crypto: bad padding")

// SessionKey is the 40-byte secret negotiated during handshake step 4:
// a 16-byte AES key, a 16-byte IV, and an 8-byte salt that is not used
// for ciphering but is retained for parity with the source protocol. The
// IV's first 4 bytes are not fixed; they are the initial value of a
// per-direction message counter, re-embedded into a fresh IV for every
// message. The remaining 12 bytes of the IV are fixed for the life of
// the session.
type SessionKey struct {
	Key  [aesKeySize]byte
	IV   [aesBlockSize]byte
	Salt [8]byte
}

// ParseSessionKey splits a 40-byte session key blob into its key/iv/salt
// components.
func ParseSessionKey(blob []byte) (SessionKey, error) {
	var sk SessionKey
	if len(blob) != SessionKeySize {
		return sk, ErrBadSessionKeySize
	}
	copy(sk.Key[:], blob[0:16])
	copy(sk.IV[:], blob[16:32])
	copy(sk.Salt[:], blob[32:40])
	return sk, nil
}

// CounterSeed returns the device->server message counter expectation:
// the first 4 bytes of the IV, interpreted big-endian.
func (sk SessionKey) CounterSeed() uint32 {
	return uint32(sk.IV[0])<<24 | uint32(sk.IV[1])<<16 | uint32(sk.IV[2])<<8 | uint32(sk.IV[3])
}

func ivFor(counter uint32, tail [ivTailSize]byte) [aesBlockSize]byte {
	var iv [aesBlockSize]byte
	iv[0] = byte(counter >> 24)
	iv[1] = byte(counter >> 16)
	iv[2] = byte(counter >> 8)
	iv[3] = byte(counter)
	copy(iv[4:], tail[:])
	return iv
}

// CipherStream encrypts one plaintext message per Seal call with
// AES-128-CBC and PKCS#7 padding, re-deriving the IV from a counter that
// advances by one after every call and wraps from 0xFFFFFFFF to 0.
type CipherStream struct {
	block   cipher.Block
	tail    [ivTailSize]byte
	counter uint32
}

// NewCipherStream constructs a CipherStream keyed by sk, with its
// message counter starting at initialCounter. The two directions of a
// session start their counters independently: device->server starts at
// sk.CounterSeed(), server->device starts at a value the server chooses
// itself and announces in its own Hello.
func NewCipherStream(sk SessionKey, initialCounter uint32) (*CipherStream, error) {
	block, err := aes.NewCipher(sk.Key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	var tail [ivTailSize]byte
	copy(tail[:], sk.IV[4:])
	return &CipherStream{block: block, tail: tail, counter: initialCounter}, nil
}

// Counter returns the counter value that will be used for the next Seal
// call.
func (c *CipherStream) Counter() uint32 {
	return c.counter
}

// Reseed jumps the stream's counter to counter, without touching the key
// or the fixed IV tail. This is how a server->device stream switches
// from the session key's known counter seed, used only to encrypt its
// own announcing Hello, to the freshly-generated counter that Hello
// announces in its payload.
func (c *CipherStream) Reseed(counter uint32) {
	c.counter = counter
}

// Seal pads plaintext with PKCS#7 and encrypts it under the IV for the
// current counter value, then advances the counter.
func (c *CipherStream) Seal(plaintext []byte) []byte {
	iv := ivFor(c.counter, c.tail)
	c.counter++

	padded := pkcs7Pad(plaintext, aesBlockSize)
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(c.block, iv[:])
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext
}

// DecipherStream is the inverse of CipherStream.
type DecipherStream struct {
	block   cipher.Block
	tail    [ivTailSize]byte
	counter uint32
}

// NewDecipherStream constructs a DecipherStream keyed by sk, with its
// message counter starting at initialCounter.
func NewDecipherStream(sk SessionKey, initialCounter uint32) (*DecipherStream, error) {
	block, err := aes.NewCipher(sk.Key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	var tail [ivTailSize]byte
	copy(tail[:], sk.IV[4:])
	return &DecipherStream{block: block, tail: tail, counter: initialCounter}, nil
}

// Counter returns the counter value that will be used for the next Open
// call. DeviceSession's expectedCounter tracks this value.
func (d *DecipherStream) Counter() uint32 {
	return d.counter
}

// Reseed jumps the stream's counter to counter, without touching the key
// or the fixed IV tail. See CipherStream.Reseed.
func (d *DecipherStream) Reseed(counter uint32) {
	d.counter = counter
}

// Open decrypts ciphertext under the IV for the current counter value,
// strips its PKCS#7 padding, and advances the counter.
func (d *DecipherStream) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aesBlockSize != 0 {
		return nil, ErrShortCiphertext
	}

	iv := ivFor(d.counter, d.tail)
	d.counter++

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(d.block, iv[:])
	mode.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aesBlockSize || padLen > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-padLen], nil
}
