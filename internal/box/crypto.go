package box

// Crypto is the opaque encryption service used for directory-metadata blobs
// and file blocks. The storage layer depends only on these signatures, not on
// the algorithm choice.
type Crypto interface {
	// Encrypt encrypts plaintext with the given symmetric key.
	Encrypt(plaintext, key []byte) ([]byte, error)

	// Decrypt reverses Encrypt. Fails if the key is wrong or the ciphertext
	// was tampered with.
	Decrypt(ciphertext, key []byte) ([]byte, error)

	// Hash returns the content digest used for integrity checks.
	Hash(data []byte) []byte

	// RandomBytes returns n cryptographically random bytes.
	RandomBytes(n int) ([]byte, error)

	// KeySize returns the symmetric key length in bytes.
	KeySize() int
}
