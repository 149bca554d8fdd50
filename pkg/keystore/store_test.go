package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/device-cloud/gateway/pkg/crypto"
)

func testServerKeyPair(t *testing.T) *crypto.ServerKeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, crypto.ServerKeySize)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
	pair, err := crypto.ParseServerKeyPair(pemBytes)
	if err != nil {
		t.Fatalf("parse server key: %v", err)
	}
	return pair
}

func testDeviceKey(t *testing.T) *crypto.DeviceKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, crypto.DeviceKeySize)
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}
	key, err := crypto.ParseDeviceKeyDER(x509.MarshalPKCS1PublicKey(&priv.PublicKey))
	if err != nil {
		t.Fatalf("parse device key: %v", err)
	}
	return key
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore(testServerKeyPair(t))
	key := testDeviceKey(t)

	if store.HasDeviceKey("abc123") {
		t.Error("HasDeviceKey true before save")
	}

	if err := store.SaveDeviceKey("abc123", key); err != nil {
		t.Fatalf("save: %v", err)
	}

	if !store.HasDeviceKey("abc123") {
		t.Error("HasDeviceKey false after save")
	}

	got, err := store.GetDeviceKey("abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Size() != key.Size() {
		t.Errorf("size mismatch")
	}
}

func TestMemoryStoreGetUnknownDevice(t *testing.T) {
	store := NewMemoryStore(testServerKeyPair(t))
	_, err := store.GetDeviceKey("unknown")
	if err != ErrKeyNotFound {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

func TestFileStoreSaveGetAndReload(t *testing.T) {
	dir := t.TempDir()
	serverKeyPair := testServerKeyPair(t)
	key := testDeviceKey(t)

	store := NewFileStore(dir, serverKeyPair)
	if err := store.SaveDeviceKey("deadbeef0001", key); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "devices", "deadbeef0001.pem")); err != nil {
		t.Fatalf("expected pem file on disk: %v", err)
	}

	// A fresh store over the same directory should lazily load the key.
	reopened := NewFileStore(dir, serverKeyPair)
	got, err := reopened.GetDeviceKey("deadbeef0001")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Size() != key.Size() {
		t.Errorf("size mismatch after reopen")
	}
}

func TestFileStoreLoadPopulatesCache(t *testing.T) {
	dir := t.TempDir()
	serverKeyPair := testServerKeyPair(t)
	key := testDeviceKey(t)

	store := NewFileStore(dir, serverKeyPair)
	if err := store.SaveDeviceKey("cafef00dbeef", key); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened := NewFileStore(dir, serverKeyPair)
	if err := reopened.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reopened.HasDeviceKey("cafef00dbeef") {
		t.Error("Load did not populate the in-memory cache")
	}
}

func TestFileStoreLoadEmptyDirIsNoop(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, testServerKeyPair(t))
	if err := store.Load(); err != nil {
		t.Fatalf("load on empty dir: %v", err)
	}
}

func TestFileStoreGetUnknownDevice(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, testServerKeyPair(t))
	_, err := store.GetDeviceKey("unknown")
	if err != ErrKeyNotFound {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

func TestStoreServerKeyPair(t *testing.T) {
	serverKeyPair := testServerKeyPair(t)
	store := NewMemoryStore(serverKeyPair)
	if store.ServerKeyPair() != serverKeyPair {
		t.Error("ServerKeyPair did not return the injected keypair")
	}
}
