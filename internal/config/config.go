package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for boxd.
type Config struct {
	DeviceID   string           `toml:"device_id"` // hex-encoded
	Identity   string           `toml:"identity"`  // identity public key, used in document ids
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Prefix     string           `toml:"prefix"` // identity's namespace in the block store
	BlockStore BlockStoreConfig `toml:"block_store"`
	Crypto     CryptoConfig     `toml:"crypto"`
	Cache      CacheConfig      `toml:"cache"`
}

// BlockStoreConfig represents configuration for a block store backend.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type BlockStoreConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", or "s3"

	// Filesystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3KeyPrefix string `toml:"s3_key_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"` // for S3-compatible services

	// Static credentials; when empty the SDK's default chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// CryptoConfig selects the payload encryption backend and the device key file.
type CryptoConfig struct {
	Type    string `toml:"type"` // "chacha20poly1305" (default) or "test"
	KeyPath string `toml:"key_path"`
}

// CacheConfig tunes the directory-listing cache.
type CacheConfig struct {
	Workers int `toml:"workers"` // refresh worker count; defaults to 2
}

// NewConfig creates a new Config with the provided values and default paths.
// The identity defaults to the hex device id until the caller sets a real
// identity key.
func NewConfig(deviceID []byte, baseDir, prefix string) *Config {
	return &Config{
		DeviceID: hex.EncodeToString(deviceID),
		Identity: hex.EncodeToString(deviceID),
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Prefix:   prefix,
		Crypto: CryptoConfig{
			Type:    "chacha20poly1305",
			KeyPath: filepath.Join(baseDir, "keys", "root.key"),
		},
		Cache: CacheConfig{Workers: 2},
	}
}

// DecodeDeviceID returns the binary device id.
func (c *Config) DecodeDeviceID() ([]byte, error) {
	id, err := hex.DecodeString(c.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("decoding device id: %w", err)
	}
	if len(id) == 0 {
		return nil, fmt.Errorf("device id is empty")
	}
	return id, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided
// Config. Fails if a config already exists there.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
