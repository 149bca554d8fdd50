package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func mustGenerateServerKeyPair(t *testing.T) *ServerKeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, ServerKeySize)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
	pair, err := ParseServerKeyPair(pemBytes)
	if err != nil {
		t.Fatalf("parse server key: %v", err)
	}
	return pair
}

func mustGenerateDeviceKey(t *testing.T) (*DeviceKey, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, DeviceKeySize)
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}
	der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	key, err := ParseDeviceKeyDER(der)
	if err != nil {
		t.Fatalf("parse device key: %v", err)
	}
	return key, priv
}

func TestServerKeyPairDecryptRoundTrip(t *testing.T) {
	server := mustGenerateServerKeyPair(t)

	plaintext := []byte("40-byte-nonce-plus-device-id-here..")
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, server.PublicKey(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decrypted, err := server.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypt round trip mismatch: got %q want %q", decrypted, plaintext)
	}
}

func TestServerKeyPairSignVerify(t *testing.T) {
	server := mustGenerateServerKeyPair(t)
	digest := HMACSHA1([]byte("session-key-bytes"), []byte("ciphertext"))

	sig, err := server.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != ServerKeySize/8 {
		t.Errorf("signature length: got %d want %d", len(sig), ServerKeySize/8)
	}

	if err := rsa.VerifyPKCS1v15(server.PublicKey(), 0, digest, sig); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestDeviceKeyEncryptDecryptRoundTrip(t *testing.T) {
	deviceKey, devicePriv := mustGenerateDeviceKey(t)

	sessionKey, err := RandomBytes(SessionKeySize)
	if err != nil {
		t.Fatalf("random bytes: %v", err)
	}

	ciphertext, err := deviceKey.Encrypt(sessionKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(ciphertext) != deviceKey.Size() {
		t.Errorf("ciphertext length: got %d want %d", len(ciphertext), deviceKey.Size())
	}

	decrypted, err := rsa.DecryptPKCS1v15(rand.Reader, devicePriv, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, sessionKey) {
		t.Errorf("round trip mismatch")
	}
}

func TestDeviceKeyPEMRoundTrip(t *testing.T) {
	deviceKey, _ := mustGenerateDeviceKey(t)

	pemBytes := deviceKey.MarshalPEM()
	parsed, err := ParseDeviceKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("parse pem: %v", err)
	}
	if parsed.Size() != deviceKey.Size() {
		t.Errorf("size mismatch after pem round trip")
	}
}

func TestParseServerKeyPairBadPEM(t *testing.T) {
	_, err := ParseServerKeyPair([]byte("not a pem block"))
	if err != ErrNoPEMBlock {
		t.Errorf("got %v, want ErrNoPEMBlock", err)
	}
}
