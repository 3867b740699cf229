package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestAEADCrypto(t *testing.T) {
	c := NewAEADCrypto()

	key, err := c.RandomBytes(c.KeySize())
	if err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	t.Run("encrypt then decrypt round-trips", func(t *testing.T) {
		plaintext := []byte("directory metadata blob")

		ct, err := c.Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if bytes.Contains(ct, plaintext) {
			t.Error("ciphertext contains the plaintext")
		}

		got, err := c.Decrypt(ct, key)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decrypt() = %q, want %q", got, plaintext)
		}
	})

	t.Run("wrong key fails authentication", func(t *testing.T) {
		ct, err := c.Encrypt([]byte("secret"), key)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}

		wrong, _ := c.RandomBytes(c.KeySize())
		if _, err := c.Decrypt(ct, wrong); err == nil {
			t.Error("Decrypt() with wrong key succeeded, want error")
		}
	})

	t.Run("tampered ciphertext fails authentication", func(t *testing.T) {
		ct, err := c.Encrypt([]byte("secret"), key)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		ct[len(ct)-1] ^= 0x01

		if _, err := c.Decrypt(ct, key); err == nil {
			t.Error("Decrypt() of tampered ciphertext succeeded, want error")
		}
	})

	t.Run("same plaintext encrypts to different ciphertexts", func(t *testing.T) {
		a, err := c.Encrypt([]byte("same"), key)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		b, err := c.Encrypt([]byte("same"), key)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if bytes.Equal(a, b) {
			t.Error("two encryptions produced identical ciphertexts")
		}
	})
}

func TestRootKeyFile(t *testing.T) {
	t.Run("save then load round-trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys", "root.key")
		key := []byte("0123456789abcdef0123456789abcdef")

		if err := SaveRootKey(path, key, "hunter2"); err != nil {
			t.Fatalf("SaveRootKey() error = %v", err)
		}
		if !RootKeyExists(path) {
			t.Fatal("RootKeyExists() = false after save")
		}

		got, err := LoadRootKey(path, "hunter2")
		if err != nil {
			t.Fatalf("LoadRootKey() error = %v", err)
		}
		if !bytes.Equal(got, key) {
			t.Errorf("LoadRootKey() = %x, want %x", got, key)
		}
	})

	t.Run("wrong passphrase fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "root.key")

		if err := SaveRootKey(path, []byte("key"), "correct"); err != nil {
			t.Fatalf("SaveRootKey() error = %v", err)
		}
		if _, err := LoadRootKey(path, "wrong"); err == nil {
			t.Error("LoadRootKey() with wrong passphrase succeeded, want error")
		}
	})
}
