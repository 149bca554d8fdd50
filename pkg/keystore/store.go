package keystore

import (
	"errors"

	"github.com/device-cloud/gateway/pkg/crypto"
)

// Store errors.
var (
	ErrKeyNotFound = errors.New("keystore: device key not found")
	ErrInvalidKey  = errors.New("keystore: invalid device key")
)

// Store defines the interface for device key storage. Implementations
// must be safe for concurrent access; many connections may look up or
// persist keys at once.
type Store interface {
	// GetDeviceKey returns the RSA public key registered for deviceID.
	// Returns ErrKeyNotFound if the device has never been seen.
	GetDeviceKey(deviceID string) (*crypto.DeviceKey, error)

	// SaveDeviceKey persists the RSA public key for deviceID, overwriting
	// any previously stored key.
	SaveDeviceKey(deviceID string, key *crypto.DeviceKey) error

	// HasDeviceKey reports whether a key is already on file for deviceID,
	// without the cost of decoding it.
	HasDeviceKey(deviceID string) bool

	// ServerKeyPair returns the gateway's own RSA identity, used to
	// decrypt handshake blobs and sign session-key confirmations.
	ServerKeyPair() *crypto.ServerKeyPair
}
