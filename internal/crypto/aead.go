// Package crypto implements the symmetric encryption service used for
// directory-metadata blobs and file blocks, plus at-rest protection of the
// device's root key.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"boxd/internal/box"
)

// AEADCrypto implements box.Crypto with XChaCha20-Poly1305. Ciphertexts are
// nonce || sealed; the random 24-byte nonce makes key reuse across many blobs
// safe.
type AEADCrypto struct{}

// NewAEADCrypto creates the production crypto service.
func NewAEADCrypto() *AEADCrypto { return &AEADCrypto{} }

// Encrypt encrypts plaintext with the given 32-byte key.
func (*AEADCrypto) Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. A wrong key or tampered ciphertext fails
// authentication.
func (*AEADCrypto) Decrypt(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	sealed := ciphertext[chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// Hash returns the SHA-256 digest of data.
func (*AEADCrypto) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// RandomBytes returns n cryptographically random bytes.
func (*AEADCrypto) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// KeySize returns the symmetric key length in bytes.
func (*AEADCrypto) KeySize() int { return chacha20poly1305.KeySize }

// Compile-time check that AEADCrypto implements box.Crypto.
var _ box.Crypto = (*AEADCrypto)(nil)
