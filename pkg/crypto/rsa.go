package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ServerKeySize is the expected modulus size, in bits, of the server's own
// identity keypair. It decrypts the device's handshake blob and signs the
// session-key confirmation.
const ServerKeySize = 2048

// DeviceKeySize is the expected modulus size, in bits, of a device's RSA
// public key as deployed in firmware.
const DeviceKeySize = 1024

var (
	// ErrNotRSAKey is returned when a PEM block decodes to a key type
	// other than RSA.
	ErrNotRSAKey = errors.New("crypto: not an RSA key")

	// ErrNoPEMBlock is returned when no PEM block could be found.
	ErrNoPEMBlock = errors.New("crypto: no PEM block found")
)

// ServerKeyPair is the gateway's own RSA identity. It decrypts the
// device's handshake blob (step 2 of the handshake) and signs the
// HMAC that accompanies the session key (step 4).
type ServerKeyPair struct {
	private *rsa.PrivateKey
}

// LoadServerKeyPair reads a PEM-encoded RSA private key (PKCS#1 or
// PKCS#8) from path.
func LoadServerKeyPair(path string) (*ServerKeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read server key: %w", err)
	}
	return ParseServerKeyPair(data)
}

// ParseServerKeyPair parses a PEM-encoded RSA private key.
func ParseServerKeyPair(pemBytes []byte) (*ServerKeyPair, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &ServerKeyPair{private: key}, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse server key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return &ServerKeyPair{private: rsaKey}, nil
}

// PublicKey returns the server's public key, e.g. for provisioning tooling.
func (s *ServerKeyPair) PublicKey() *rsa.PublicKey {
	return &s.private.PublicKey
}

// Decrypt decrypts a blob the device encrypted with the server's public
// key, using PKCS#1 v1.5 padding. This is the scheme observed in deployed
// firmware; the alternative, RSA-OAEP, was considered and rejected (see
// the design ledger).
func (s *ServerKeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, s.private, ciphertext)
}

// Sign signs digest (the raw HMAC-SHA1 output of the session-key
// ciphertext) using PKCS#1 v1.5 signing with no hash identifier, matching
// the unhashed raw-signature scheme the device firmware expects.
func (s *ServerKeyPair) Sign(digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, s.private, crypto.Hash(0), digest)
}

// DeviceKey is a device's RSA public key, looked up by DeviceID or learned
// in-band during handshake.
type DeviceKey struct {
	public *rsa.PublicKey
}

// ParseDeviceKeyDER parses a DER-encoded RSA public key as appended to a
// handshake payload. Deployed firmware emits PKCS#1 public keys; SubjectPublicKeyInfo
// (PKIX) is accepted as a fallback for keys provisioned by other tooling.
func ParseDeviceKeyDER(der []byte) (*DeviceKey, error) {
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return &DeviceKey{public: key}, nil
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse device key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return &DeviceKey{public: rsaKey}, nil
}

// ParseDeviceKeyPEM parses a PEM-encoded RSA public key, the form KeyStore
// persists device keys in.
func ParseDeviceKeyPEM(pemBytes []byte) (*DeviceKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	return ParseDeviceKeyDER(block.Bytes)
}

// MarshalPEM encodes the device key as a PEM block suitable for
// persistence by KeyStore.
func (d *DeviceKey) MarshalPEM() []byte {
	der := x509.MarshalPKCS1PublicKey(d.public)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: der,
	})
}

// Encrypt encrypts plaintext with the device's public key using PKCS#1
// v1.5 padding, as used to deliver the session key in handshake step 4.
func (d *DeviceKey) Encrypt(plaintext []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, d.public, plaintext)
}

// Size returns the modulus size of the device key, in bytes. Deployed
// 1024-bit keys yield a 128-byte ciphertext for a 40-byte session key.
func (d *DeviceKey) Size() int {
	return d.public.Size()
}
