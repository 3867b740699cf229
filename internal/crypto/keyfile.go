package crypto

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// The device's root key decrypts the index metadata blob; it never leaves
// the device in plaintext. At rest it is wrapped with age's scrypt-based
// passphrase encryption.

// SaveRootKey writes key to path, encrypted with the passphrase.
func SaveRootKey(path string, key []byte, passphrase string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	defer f.Close()

	w, err := age.Encrypt(f, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(key); err != nil {
		return fmt.Errorf("writing encrypted key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted key: %w", err)
	}

	return nil
}

// LoadRootKey reads the key file at path and decrypts it with the
// passphrase. A wrong passphrase fails decryption.
func LoadRootKey(path string, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("unlocking key file: %w", err)
	}

	key, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}
	return key, nil
}

// RootKeyExists reports whether a key file is present at path.
func RootKeyExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
