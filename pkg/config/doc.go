// Package config loads the gateway's YAML configuration file: listen
// address, keystore location, server keypair path, connection limits,
// and OTA defaults.
package config
