package crypto

import (
	"fmt"

	"boxd/internal/box"
	"boxd/internal/config"
)

// NewFromConfig creates a Crypto service based on the configuration type.
func NewFromConfig(cfg config.CryptoConfig) (box.Crypto, error) {
	switch cfg.Type {
	case "chacha20poly1305", "":
		return NewAEADCrypto(), nil
	case "test":
		return NewPlainCrypto(), nil
	default:
		return nil, fmt.Errorf("unknown crypto type: %q", cfg.Type)
	}
}
