package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_key_path: /etc/gateway/server.pem\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/etc/gateway/server.pem", cfg.ServerKeyPath)
	assert.Equal(t, Default().ListenAddress, cfg.ListenAddress)
	assert.Equal(t, Default().MaxConnections, cfg.MaxConnections)
}

func TestLoadOverridesEveryField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	contents := `
listen_address: ":9999"
keystore_dir: /var/lib/gateway/keys
server_key_path: /etc/gateway/server.pem
max_connections: 64
handshake_timeout: 5s
ota_chunk_size: 128
log_file_path: /var/log/gateway/protocol.cbor
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddress)
	assert.Equal(t, "/var/lib/gateway/keys", cfg.KeystoreDir)
	assert.Equal(t, 64, cfg.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, uint16(128), cfg.OTAChunkSize)
	assert.Equal(t, "/var/log/gateway/protocol.cbor", cfg.LogFilePath)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsNonPositiveMaxConnections(t *testing.T) {
	cfg := Default()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyServerKeyPath(t *testing.T) {
	cfg := Default()
	cfg.ServerKeyPath = ""
	assert.Error(t, cfg.Validate())
}
