package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"boxd/internal/box"
)

// PlainCrypto is a no-op crypto service for tests: "ciphertext" is the
// plaintext with a marker byte, so tests can assert that data passed through
// the encrypt path without dealing with real keys.
type PlainCrypto struct{}

// NewPlainCrypto creates the test crypto service.
func NewPlainCrypto() *PlainCrypto { return &PlainCrypto{} }

const plainMarker = 0x7f

func (*PlainCrypto) Encrypt(plaintext, key []byte) ([]byte, error) {
	out := make([]byte, 0, len(plaintext)+1)
	out = append(out, plainMarker)
	return append(out, plaintext...), nil
}

func (*PlainCrypto) Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) == 0 || ciphertext[0] != plainMarker {
		return nil, fmt.Errorf("not a plain-crypto blob")
	}
	out := make([]byte, len(ciphertext)-1)
	copy(out, ciphertext[1:])
	return out, nil
}

func (*PlainCrypto) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (*PlainCrypto) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

func (*PlainCrypto) KeySize() int { return 32 }

// Compile-time check that PlainCrypto implements box.Crypto.
var _ box.Crypto = (*PlainCrypto)(nil)
