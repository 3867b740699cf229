package blockstore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"

	"boxd/internal/box"
)

func newTestFilesystemStore(t *testing.T) *FilesystemStore {
	t.Helper()

	s, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}
	return s
}

func TestFilesystemStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get of a missing object is not found", func(t *testing.T) {
		s := newTestFilesystemStore(t)

		_, err := s.Get(ctx, "p/index")
		if !errors.Is(err, box.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("put then get round-trips through nested locators", func(t *testing.T) {
		s := newTestFilesystemStore(t)

		if err := s.Put(ctx, "p/blocks/b1", []byte("ciphertext")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		got, err := s.Get(ctx, "p/blocks/b1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !bytes.Equal(got, []byte("ciphertext")) {
			t.Errorf("Get() = %q, want %q", got, "ciphertext")
		}
	})

	t.Run("put overwrites by locator", func(t *testing.T) {
		s := newTestFilesystemStore(t)

		if err := s.Put(ctx, "p/index", []byte("v1")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if err := s.Put(ctx, "p/index", []byte("v2")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		got, _ := s.Get(ctx, "p/index")
		if string(got) != "v2" {
			t.Errorf("Get() = %q, want %q", got, "v2")
		}
	})

	t.Run("rejects locators escaping the root", func(t *testing.T) {
		s := newTestFilesystemStore(t)

		if err := s.Put(ctx, "../escape", []byte("x")); err == nil {
			t.Error("Put(../escape) succeeded, want error")
		}
		if _, err := s.Get(ctx, "/etc/passwd"); err == nil {
			t.Error("Get(/etc/passwd) succeeded, want error")
		}
	})

	t.Run("delete then get is not found", func(t *testing.T) {
		s := newTestFilesystemStore(t)

		if err := s.Put(ctx, "p/index", []byte("x")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if err := s.Delete(ctx, "p/index"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := s.Get(ctx, "p/index"); !errors.Is(err, box.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list filters by prefix", func(t *testing.T) {
		s := newTestFilesystemStore(t)

		for _, locator := range []string{"p/blocks/a", "p/blocks/b", "p/index", "q/blocks/c"} {
			if err := s.Put(ctx, locator, []byte("x")); err != nil {
				t.Fatalf("Put(%q) error = %v", locator, err)
			}
		}

		got, err := s.List(ctx, "p/")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		sort.Strings(got)
		want := []string{"p/blocks/a", "p/blocks/b", "p/index"}
		if len(got) != len(want) {
			t.Fatalf("List() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})
}
