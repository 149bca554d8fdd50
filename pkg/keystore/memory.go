package keystore

import (
	"sync"

	"github.com/device-cloud/gateway/pkg/crypto"
)

// MemoryStore is an in-memory Store implementation, useful for testing
// and for gateways that re-learn device keys on every restart.
type MemoryStore struct {
	mu            sync.RWMutex
	serverKeyPair *crypto.ServerKeyPair
	deviceKeys    map[string]*crypto.DeviceKey
}

// NewMemoryStore creates an in-memory key store backed by serverKeyPair.
func NewMemoryStore(serverKeyPair *crypto.ServerKeyPair) *MemoryStore {
	return &MemoryStore{
		serverKeyPair: serverKeyPair,
		deviceKeys:    make(map[string]*crypto.DeviceKey),
	}
}

// GetDeviceKey returns the RSA public key registered for deviceID.
func (s *MemoryStore) GetDeviceKey(deviceID string) (*crypto.DeviceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.deviceKeys[deviceID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// SaveDeviceKey persists the RSA public key for deviceID.
func (s *MemoryStore) SaveDeviceKey(deviceID string, key *crypto.DeviceKey) error {
	if key == nil {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deviceKeys[deviceID] = key
	return nil
}

// HasDeviceKey reports whether a key is on file for deviceID.
func (s *MemoryStore) HasDeviceKey(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.deviceKeys[deviceID]
	return ok
}

// ServerKeyPair returns the gateway's own RSA identity.
func (s *MemoryStore) ServerKeyPair() *crypto.ServerKeyPair {
	return s.serverKeyPair
}

// Verify MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
