package volume

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"boxd/internal/blockstore"
	"boxd/internal/box"
)

// hookedStore wraps a BlockStore and runs a callback before each Get, so
// tests can interleave commits from another device at exact points.
type hookedStore struct {
	box.BlockStore

	mu    sync.Mutex
	onGet func(locator string)
}

func (s *hookedStore) setOnGet(fn func(locator string)) {
	s.mu.Lock()
	s.onGet = fn
	s.mu.Unlock()
}

func (s *hookedStore) Get(ctx context.Context, locator string) ([]byte, error) {
	s.mu.Lock()
	fn := s.onGet
	s.mu.Unlock()
	if fn != nil {
		fn(locator)
	}
	return s.BlockStore.Get(ctx, locator)
}

// bootstrapVolume creates an index on the shared store and returns a volume
// for the given device byte.
func bootstrapVolume(t *testing.T, store box.BlockStore, device byte) *Volume {
	t.Helper()
	v := newTestVolume(t, store, device)
	if err := v.CreateIndex(context.Background()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	return v
}

func navigate(t *testing.T, v *Volume) *Navigator {
	t.Helper()
	nav, err := v.Navigate(context.Background())
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	t.Cleanup(func() { nav.Close() })
	return nav
}

func TestNavigatorUploadDownload(t *testing.T) {
	store := blockstore.NewMemoryStore()
	v := bootstrapVolume(t, store, 'a')
	nav := navigate(t, v)
	ctx := context.Background()

	payload := []byte("the quick brown fox")
	file, err := nav.Upload(ctx, "notes.txt", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if file.Size != int64(len(payload)) {
		t.Errorf("file size = %d, want %d", file.Size, len(payload))
	}
	if file.Mtime.IsZero() {
		t.Error("file mtime not set")
	}
	if err := nav.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A second device sees the file and can read it back.
	other := newTestVolume(t, store, 'b')
	nav2 := navigate(t, other)

	var out bytes.Buffer
	if err := nav2.Download(ctx, "notes.txt", &out); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Errorf("downloaded %q, want %q", out.Bytes(), payload)
	}
}

func TestNavigatorDownloadMissing(t *testing.T) {
	v := bootstrapVolume(t, blockstore.NewMemoryStore(), 'a')
	nav := navigate(t, v)

	err := nav.Download(context.Background(), "nope.txt", &bytes.Buffer{})
	if !errors.Is(err, box.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNavigatorUploadCancelled(t *testing.T) {
	v := bootstrapVolume(t, blockstore.NewMemoryStore(), 'a')
	nav := navigate(t, v)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := nav.Upload(ctx, "x.txt", strings.NewReader("data"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNavigatorUncommittedStaysLocal(t *testing.T) {
	store := blockstore.NewMemoryStore()
	v := bootstrapVolume(t, store, 'a')
	nav := navigate(t, v)
	ctx := context.Background()

	if _, err := nav.Upload(ctx, "draft.txt", strings.NewReader("secret")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !nav.IsDirty() {
		t.Error("navigator should be dirty after upload")
	}

	// No block or updated index may exist remotely before Commit.
	locators, err := store.List(ctx, "prefix/blocks/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(locators) != 0 {
		t.Errorf("staged payload reached the store before commit: %v", locators)
	}

	fresh := navigate(t, newTestVolume(t, store, 'b'))
	f, err := fresh.GetFile("draft.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f != nil {
		t.Error("uncommitted entry visible to another device")
	}
}

func TestNavigatorReloadDiscardsChanges(t *testing.T) {
	v := bootstrapVolume(t, blockstore.NewMemoryStore(), 'a')
	nav := navigate(t, v)
	ctx := context.Background()

	if _, err := nav.Upload(ctx, "draft.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := nav.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if nav.IsDirty() {
		t.Error("reload should drop uncommitted changes")
	}
	f, err := nav.GetFile("draft.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f != nil {
		t.Error("discarded upload survived reload")
	}
}

func TestNavigatorDeleteThenReuseNameAsFolder(t *testing.T) {
	store := blockstore.NewMemoryStore()
	v := bootstrapVolume(t, store, 'a')
	nav := navigate(t, v)
	ctx := context.Background()

	file, err := nav.Upload(ctx, "a.txt", strings.NewReader("v1"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := nav.Commit(ctx); err != nil {
		t.Fatalf("first Commit: %v", err)
	}

	if err := nav.Delete(file); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := nav.CreateFolder("a.txt"); err != nil {
		t.Fatalf("CreateFolder with freed name: %v", err)
	}
	if err := nav.Commit(ctx); err != nil {
		t.Fatalf("second Commit: %v", err)
	}

	fresh := navigate(t, newTestVolume(t, store, 'b'))
	if f, _ := fresh.GetFile("a.txt"); f != nil {
		t.Error("deleted file still present remotely")
	}
	folder, err := fresh.GetFolder("a.txt")
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if folder == nil {
		t.Fatal("folder a.txt missing remotely")
	}
}

func TestNavigatorFolderRoundTrip(t *testing.T) {
	store := blockstore.NewMemoryStore()
	v := bootstrapVolume(t, store, 'a')
	nav := navigate(t, v)
	ctx := context.Background()

	if _, err := nav.CreateFolder("docs"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if err := nav.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := nav.NavigateToChild(ctx, "docs"); err != nil {
		t.Fatalf("NavigateToChild: %v", err)
	}
	if got := nav.Path(); got != "/docs" {
		t.Errorf("Path() = %q, want /docs", got)
	}

	if _, err := nav.Upload(ctx, "inner.txt", strings.NewReader("inner")); err != nil {
		t.Fatalf("Upload in subdirectory: %v", err)
	}
	if err := nav.Commit(ctx); err != nil {
		t.Fatalf("Commit in subdirectory: %v", err)
	}

	if err := nav.NavigateToParent(ctx); err != nil {
		t.Fatalf("NavigateToParent: %v", err)
	}
	if got := nav.Path(); got != "/" {
		t.Errorf("Path() = %q, want /", got)
	}

	// Full path resolution from another device.
	other := navigate(t, newTestVolume(t, store, 'b'))
	if err := other.Navigate(ctx, "/docs"); err != nil {
		t.Fatalf("Navigate(/docs): %v", err)
	}
	var out bytes.Buffer
	if err := other.Download(ctx, "inner.txt", &out); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if out.String() != "inner" {
		t.Errorf("downloaded %q, want inner", out.String())
	}
}

func TestNavigatorNavigateMissingFolder(t *testing.T) {
	v := bootstrapVolume(t, blockstore.NewMemoryStore(), 'a')
	nav := navigate(t, v)

	err := nav.Navigate(context.Background(), "/no/such/folder")
	if !errors.Is(err, box.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNavigatorRename(t *testing.T) {
	store := blockstore.NewMemoryStore()
	v := bootstrapVolume(t, store, 'a')
	nav := navigate(t, v)
	ctx := context.Background()

	file, err := nav.Upload(ctx, "old.txt", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := nav.CreateFolder("taken"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}

	t.Run("conflicting target", func(t *testing.T) {
		_, err := nav.Rename(file, "taken")
		if !errors.Is(err, box.ErrNameConflict) {
			t.Fatalf("expected ErrNameConflict, got %v", err)
		}
	})

	t.Run("free target", func(t *testing.T) {
		renamed, err := nav.Rename(file, "new.txt")
		if err != nil {
			t.Fatalf("Rename: %v", err)
		}
		if renamed.EntryName() != "new.txt" {
			t.Errorf("renamed entry name = %q", renamed.EntryName())
		}
		if err := nav.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		fresh := navigate(t, newTestVolume(t, store, 'b'))
		if f, _ := fresh.GetFile("old.txt"); f != nil {
			t.Error("old name still present remotely")
		}
		f, err := fresh.GetFile("new.txt")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if f == nil {
			t.Fatal("new name missing remotely")
		}
		// Payload stays reachable under the renamed entry.
		var out bytes.Buffer
		if err := fresh.Download(ctx, "new.txt", &out); err != nil {
			t.Fatalf("Download: %v", err)
		}
		if out.String() != "data" {
			t.Errorf("downloaded %q, want data", out.String())
		}
	})
}

func TestNavigatorExternals(t *testing.T) {
	store := blockstore.NewMemoryStore()
	v := bootstrapVolume(t, store, 'a')
	nav := navigate(t, v)
	ctx := context.Background()

	ext := &box.External{
		IsFolder: true,
		Owner:    []byte("owner-pubkey"),
		Name:     "shared",
		Key:      []byte("shared-key"),
		URL:      "https://blocks.example.org/other/abc",
	}
	if err := nav.AttachExternal(ext); err != nil {
		t.Fatalf("AttachExternal: %v", err)
	}
	if err := nav.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	fresh := navigate(t, newTestVolume(t, store, 'b'))
	got, err := fresh.GetExternal("shared")
	if err != nil {
		t.Fatalf("GetExternal: %v", err)
	}
	if got == nil || got.URL != ext.URL || !got.IsFolder {
		t.Fatalf("external round trip mismatch: %+v", got)
	}

	if err := nav.DetachExternal("shared"); err != nil {
		t.Fatalf("DetachExternal: %v", err)
	}
	if err := nav.Commit(ctx); err != nil {
		t.Fatalf("Commit after detach: %v", err)
	}
	if err := fresh.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if e, _ := fresh.GetExternal("shared"); e != nil {
		t.Error("detached external still present remotely")
	}
}

func TestNavigatorConcurrentMerge(t *testing.T) {
	store := blockstore.NewMemoryStore()
	ctx := context.Background()

	volA := bootstrapVolume(t, store, 'a')
	volB := newTestVolume(t, store, 'b')

	navA := navigate(t, volA)
	navB := navigate(t, volB) // loads the same head as A

	// A commits a file while B holds the old head.
	if _, err := navA.Upload(ctx, "a.txt", strings.NewReader("from A")); err != nil {
		t.Fatalf("A Upload: %v", err)
	}
	if err := navA.Commit(ctx); err != nil {
		t.Fatalf("A Commit: %v", err)
	}

	// B's non-conflicting change replays cleanly onto A's head.
	if _, err := navB.CreateFolder("c"); err != nil {
		t.Fatalf("B CreateFolder: %v", err)
	}
	if err := navB.Commit(ctx); err != nil {
		t.Fatalf("B Commit should auto-merge, got %v", err)
	}

	// Both changes are visible on a fresh load.
	fresh := navigate(t, newTestVolume(t, store, 'c'))
	f, err := fresh.GetFile("a.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f == nil {
		t.Error("A's file lost during merge")
	}
	folder, err := fresh.GetFolder("c")
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if folder == nil {
		t.Error("B's folder lost during merge")
	}
}

func TestNavigatorConcurrentConflict(t *testing.T) {
	store := blockstore.NewMemoryStore()
	ctx := context.Background()

	volA := bootstrapVolume(t, store, 'a')
	volB := newTestVolume(t, store, 'b')

	navA := navigate(t, volA)
	navB := navigate(t, volB)

	// A publishes a file named "a.txt".
	if _, err := navA.Upload(ctx, "a.txt", strings.NewReader("from A")); err != nil {
		t.Fatalf("A Upload: %v", err)
	}
	if err := navA.Commit(ctx); err != nil {
		t.Fatalf("A Commit: %v", err)
	}

	// B, still on the old head, claims the same name for a folder. The
	// replay onto A's head hits the name-uniqueness constraint.
	if _, err := navB.CreateFolder("a.txt"); err != nil {
		t.Fatalf("B CreateFolder: %v", err)
	}
	err := navB.Commit(ctx)
	if !errors.Is(err, box.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestNavigatorMergeRetriesOnlyOnce(t *testing.T) {
	store := &hookedStore{BlockStore: blockstore.NewMemoryStore()}
	ctx := context.Background()

	volA := bootstrapVolume(t, store, 'a')
	volB := newTestVolume(t, store, 'b')

	navA := navigate(t, volA)
	navB := navigate(t, volB)

	// Every time B fetches the index during its commit, A slips in another
	// commit, so the remote head has moved again by the time B retries.
	commitFromA := func(name string) {
		if _, err := navA.Upload(ctx, name, strings.NewReader("x")); err != nil {
			t.Errorf("A Upload %s: %v", name, err)
		}
		if err := navA.Commit(ctx); err != nil {
			t.Errorf("A Commit %s: %v", name, err)
		}
	}

	indexFetches := 0
	var hook func(locator string)
	hook = func(locator string) {
		if locator != volA.RootRef() {
			return
		}
		indexFetches++
		// A's own commit fetches the index too; keep the hook out of its way.
		store.setOnGet(nil)
		commitFromA(fmt.Sprintf("a%d.txt", indexFetches))
		store.setOnGet(hook)
	}
	store.setOnGet(hook)

	if _, err := navB.CreateFolder("c"); err != nil {
		t.Fatalf("B CreateFolder: %v", err)
	}
	err := navB.Commit(ctx)
	if !errors.Is(err, box.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if indexFetches != 2 {
		t.Errorf("commit fetched the index %d times, want 2 (one merge, one retry)", indexFetches)
	}
}

func TestNavigatorCommitClean(t *testing.T) {
	v := bootstrapVolume(t, blockstore.NewMemoryStore(), 'a')
	nav := navigate(t, v)

	// Committing with nothing pending is a no-op.
	if err := nav.Commit(context.Background()); err != nil {
		t.Fatalf("clean Commit: %v", err)
	}
}

func TestNavigatorVersionAdvancesOnCommit(t *testing.T) {
	v := bootstrapVolume(t, blockstore.NewMemoryStore(), 'a')
	nav := navigate(t, v)
	ctx := context.Background()

	before := append([]byte(nil), nav.Version()...)
	if _, err := nav.Upload(ctx, "f.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := nav.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if bytes.Equal(before, nav.Version()) {
		t.Error("version head did not advance after commit")
	}
}
