package blockstore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"

	"boxd/internal/box"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get of a missing object is not found", func(t *testing.T) {
		s := NewMemoryStore()

		_, err := s.Get(ctx, "absent")
		if !errors.Is(err, box.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("put then get round-trips", func(t *testing.T) {
		s := NewMemoryStore()

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
		s := NewMemoryStore()

		if err := s.Put(ctx, "p/index", []byte("v1")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if err := s.Put(ctx, "p/index", []byte("v2")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		got, err := s.Get(ctx, "p/index")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if string(got) != "v2" {
			t.Errorf("Get() = %q, want %q", got, "v2")
		}
	})

	t.Run("delete of a missing object is ok", func(t *testing.T) {
		s := NewMemoryStore()

		if err := s.Delete(ctx, "absent"); err != nil {
			t.Errorf("Delete() error = %v", err)
		}
	})

	t.Run("list filters by prefix", func(t *testing.T) {
		s := NewMemoryStore()

		for _, locator := range []string{"p/blocks/a", "p/blocks/b", "p/index", "q/blocks/c"} {
			if err := s.Put(ctx, locator, []byte("x")); err != nil {
				t.Fatalf("Put(%q) error = %v", locator, err)
			}
		}

		got, err := s.List(ctx, "p/blocks/")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		sort.Strings(got)
		want := []string{"p/blocks/a", "p/blocks/b"}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("List() = %v, want %v", got, want)
		}
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		s := NewMemoryStore()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := s.Get(cancelled, "x"); !errors.Is(err, context.Canceled) {
			t.Errorf("Get() error = %v, want context.Canceled", err)
		}
		if err := s.Put(cancelled, "x", nil); !errors.Is(err, context.Canceled) {
			t.Errorf("Put() error = %v, want context.Canceled", err)
		}
	})
}
