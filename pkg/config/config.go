package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's top-level configuration, loaded from a single
// YAML file.
type Config struct {
	// ListenAddress is the TCP address the device server accepts
	// connections on (e.g. ":5683").
	ListenAddress string `yaml:"listen_address"`

	// KeystoreDir is the directory FileStore persists device keys in.
	// The server keypair is read from ServerKeyPath, not from here.
	KeystoreDir string `yaml:"keystore_dir"`

	// ServerKeyPath is the PEM-encoded RSA private key identifying this
	// gateway to devices during handshake.
	ServerKeyPath string `yaml:"server_key_path"`

	// MaxConnections caps concurrently accepted device connections.
	MaxConnections int `yaml:"max_connections"`

	// HandshakeTimeout bounds the five-step handshake exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// OTAChunkSize is parsed from the file but not read by any component;
	// the OTA flasher takes its chunk size from ota.Options.ChunkSize
	// (ota.DefaultChunkSize when zero).
	OTAChunkSize uint16 `yaml:"ota_chunk_size"`

	// LogFilePath, when non-empty, appends CBOR-encoded protocol events
	// there in addition to any console logger the caller wires in.
	LogFilePath string `yaml:"log_file_path"`
}

// Default returns a Config with the gateway's out-of-the-box settings.
func Default() Config {
	return Config{
		ListenAddress:    ":5683",
		KeystoreDir:      "./keystore",
		ServerKeyPath:    "./keystore/server.pem",
		MaxConnections:   1024,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Load reads and parses the YAML config file at path, applying Default
// for any field the file leaves unset.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for values that would prevent the gateway
// from starting.
func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address must not be empty")
	}
	if c.ServerKeyPath == "" {
		return fmt.Errorf("config: server_key_path must not be empty")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	return nil
}
