package blockstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"boxd/internal/box"
)

// FilesystemStore is a filesystem-backed implementation of the BlockStore
// interface. Locators map to file paths under the store root; it behaves
// like a remote object store for local testing and offline use.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a filesystem block store rooted at root.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating block store root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

// objectPath validates a locator and maps it to a path under the root.
// Locators never escape the store root.
func (s *FilesystemStore) objectPath(locator string) (string, error) {
	if locator == "" {
		return "", fmt.Errorf("empty locator")
	}
	clean := filepath.Clean(filepath.FromSlash(locator))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("locator %q escapes the store root", locator)
	}
	return filepath.Join(s.root, clean), nil
}

// Get retrieves the object stored under locator.
func (s *FilesystemStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.objectPath(locator)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("object %q: %w", locator, box.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", locator, box.ErrTransportFault)
	}
	return data, nil
}

// Put stores data under locator, replacing any previous object.
func (s *FilesystemStore) Put(ctx context.Context, locator string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.objectPath(locator)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating object directory for %q: %w", locator, box.ErrTransportFault)
	}

	// Write-then-rename so a torn write never leaves a half object behind.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("staging object %q: %w", locator, box.ErrTransportFault)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing object %q: %w", locator, box.ErrTransportFault)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing object %q: %w", locator, box.ErrTransportFault)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing object %q: %w", locator, box.ErrTransportFault)
	}
	return nil
}

// Delete removes the object under locator. Missing objects are ignored.
func (s *FilesystemStore) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.objectPath(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting object %q: %w", locator, box.ErrTransportFault)
	}
	return nil
}

// List returns the locators of all objects under the given prefix.
func (s *FilesystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var locators []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		locator := filepath.ToSlash(rel)
		if strings.HasPrefix(locator, prefix) {
			locators = append(locators, locator)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing objects under %q: %w", prefix, box.ErrTransportFault)
	}
	return locators, nil
}

// Compile-time check that FilesystemStore implements box.BlockStore.
var _ box.BlockStore = (*FilesystemStore)(nil)
