package volume

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"boxd/internal/box"
	"boxd/internal/dirmeta"
)

// frame is one level of the navigation stack: where the directory's metadata
// blob lives, the key that decrypts it, and its entry name in the parent.
type frame struct {
	ref  string
	key  []byte
	name string // "" for the root frame
}

// pendingChange is one structural mutation recorded since the last commit.
// apply replays the mutation onto a freshly fetched metadata store during a
// merge; it is written to tolerate the effects of concurrent commits where
// that is safe (deletes of already-deleted entries).
type pendingChange struct {
	desc  string
	apply func(*dirmeta.Store) error
}

// stagedUpload is a payload waiting in the local staging area for commit.
type stagedUpload struct {
	locator string
	key     []byte
	path    string
}

// newFolder is a freshly created directory whose empty metadata blob must be
// pushed at commit.
type newFolder struct {
	ref string
	key []byte
}

// Navigator is a stateful cursor over one volume's directory tree. It is
// meant for serial use: one goroutine, one directory at a time. Structural
// mutations stay local until Commit; navigating away without committing
// silently discards them.
type Navigator struct {
	volume *Volume
	dm     *dirmeta.Store
	base   []byte // version head at load time
	stack  []frame

	pending    []pendingChange
	uploads    []stagedUpload
	newFolders []newFolder
	dirty      bool
}

func (n *Navigator) current() frame { return n.stack[len(n.stack)-1] }

// Path returns the current directory's path from the root, "/" for the root.
func (n *Navigator) Path() string {
	if len(n.stack) == 1 {
		return "/"
	}
	var b strings.Builder
	for _, f := range n.stack[1:] {
		b.WriteByte('/')
		b.WriteString(f.name)
	}
	return b.String()
}

// IsDirty reports whether uncommitted structural mutations exist.
func (n *Navigator) IsDirty() bool { return n.dirty }

// discard drops in-memory state and any staged uploads. Called when the
// cursor moves away from the current directory.
func (n *Navigator) discard() {
	if n.dirty {
		n.volume.logger.Warn("discarding uncommitted changes", "path", n.Path(), "changes", len(n.pending))
	}
	for _, u := range n.uploads {
		os.Remove(u.path)
	}
	n.pending = nil
	n.uploads = nil
	n.newFolders = nil
	n.dirty = false
	if n.dm != nil {
		n.dm.Close()
		n.dm = nil
	}
}

// Close releases the navigator's local resources without committing.
func (n *Navigator) Close() error {
	n.discard()
	return nil
}

// NavigateToRoot repositions the cursor at the index directory.
func (n *Navigator) NavigateToRoot(ctx context.Context) error {
	n.discard()
	n.stack = n.stack[:1]
	root := n.current()

	dm, head, err := n.volume.openStore(ctx, root.ref, root.key)
	if err != nil {
		return fmt.Errorf("reopening index: %w", err)
	}
	n.dm, n.base = dm, head
	return nil
}

// Navigate resolves a slash-separated path from the root, fetching and
// decrypting each directory blob along the way. Fails with ErrNotFound if a
// segment is absent or names a non-folder.
func (n *Navigator) Navigate(ctx context.Context, path string) error {
	if err := n.NavigateToRoot(ctx); err != nil {
		return err
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		if err := n.NavigateToChild(ctx, segment); err != nil {
			return err
		}
	}
	return nil
}

// NavigateToChild descends into the named subdirectory of the current one.
func (n *Navigator) NavigateToChild(ctx context.Context, name string) error {
	folder, err := n.dm.GetFolder(name)
	if err != nil {
		return err
	}
	if folder == nil {
		return fmt.Errorf("folder %q: %w", name, box.ErrNotFound)
	}

	dm, head, err := n.volume.openStore(ctx, folder.Ref, folder.Key)
	if err != nil {
		return fmt.Errorf("opening folder %q: %w", name, err)
	}

	n.discard()
	n.dm, n.base = dm, head
	n.stack = append(n.stack, frame{ref: folder.Ref, key: folder.Key, name: name})
	return nil
}

// NavigateToParent moves the cursor up one level. Fails at the root.
func (n *Navigator) NavigateToParent(ctx context.Context) error {
	if len(n.stack) == 1 {
		return fmt.Errorf("already at the root")
	}
	n.discard()
	n.stack = n.stack[:len(n.stack)-1]
	parent := n.current()

	dm, head, err := n.volume.openStore(ctx, parent.ref, parent.key)
	if err != nil {
		return fmt.Errorf("reopening parent: %w", err)
	}
	n.dm, n.base = dm, head
	return nil
}

// Reload discards in-memory state and re-fetches the current directory,
// picking up commits made by other devices.
func (n *Navigator) Reload(ctx context.Context) error {
	cur := n.current()
	n.discard()

	dm, head, err := n.volume.openStore(ctx, cur.ref, cur.key)
	if err != nil {
		return fmt.Errorf("reloading %s: %w", cur.ref, err)
	}
	n.dm, n.base = dm, head
	return nil
}

// Listing and lookup pass-throughs.

func (n *Navigator) ListFiles() ([]*box.File, error)         { return n.dm.ListFiles() }
func (n *Navigator) ListFolders() ([]*box.Folder, error)     { return n.dm.ListFolders() }
func (n *Navigator) ListExternals() ([]*box.External, error) { return n.dm.ListExternals() }
func (n *Navigator) GetFile(name string) (*box.File, error)  { return n.dm.GetFile(name) }
func (n *Navigator) GetFolder(name string) (*box.Folder, error) {
	return n.dm.GetFolder(name)
}
func (n *Navigator) GetExternal(name string) (*box.External, error) {
	return n.dm.GetExternal(name)
}

// Version returns the current directory's version head as loaded.
func (n *Navigator) Version() []byte { return n.base }

// CreateFolder records a new subdirectory in the current directory. The
// folder's empty metadata blob is pushed at commit.
func (n *Navigator) CreateFolder(name string) (*box.Folder, error) {
	key, err := n.volume.crypto.RandomBytes(n.volume.crypto.KeySize())
	if err != nil {
		return nil, fmt.Errorf("generating folder key: %w", err)
	}

	folder := &box.Folder{
		Ref:  n.volume.prefix + "/" + n.volume.idgen.New(),
		Name: name,
		Key:  key,
	}
	if err := n.dm.InsertFolder(folder); err != nil {
		return nil, err
	}

	n.newFolders = append(n.newFolders, newFolder{ref: folder.Ref, key: folder.Key})
	n.record("create folder "+name, func(dm *dirmeta.Store) error {
		return dm.InsertFolder(folder)
	})
	return folder, nil
}

// Upload stages a new payload for name. The bytes are copied to the local
// staging area now; the encrypted block and the updated directory entry reach
// the remote store only on Commit. An existing file entry of the same name is
// replaced.
func (n *Navigator) Upload(ctx context.Context, name string, r io.Reader) (*box.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := n.volume.crypto.RandomBytes(n.volume.crypto.KeySize())
	if err != nil {
		return nil, fmt.Errorf("generating file key: %w", err)
	}

	staged, err := os.CreateTemp(n.volume.workDir, "staged*.bin")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	size, err := io.Copy(staged, r)
	if cerr := staged.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(staged.Name())
		return nil, fmt.Errorf("staging upload %q: %w", name, err)
	}

	file := &box.File{
		Prefix: n.volume.prefix,
		Block:  n.volume.idgen.New(),
		Name:   name,
		Size:   size,
		Mtime:  n.volume.clock.Now(),
		Key:    key,
	}

	existing, err := n.dm.GetFile(name)
	if err != nil {
		os.Remove(staged.Name())
		return nil, err
	}
	if existing != nil {
		err = n.dm.UpdateFile(file)
	} else {
		err = n.dm.InsertFile(file)
	}
	if err != nil {
		os.Remove(staged.Name())
		return nil, err
	}

	n.uploads = append(n.uploads, stagedUpload{
		locator: blockLocator(file),
		key:     key,
		path:    staged.Name(),
	})
	// Replays as an overwrite: if another device re-created the name as a
	// file meanwhile, the later upload wins.
	n.record("upload "+name, func(dm *dirmeta.Store) error {
		return dm.UpdateFile(file)
	})
	return file, nil
}

// Download fetches and decrypts the named file's payload into w. The
// transfer is aborted when ctx is cancelled, surfacing the context's error.
func (n *Navigator) Download(ctx context.Context, name string, w io.Writer) error {
	file, err := n.dm.GetFile(name)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("file %q: %w", name, box.ErrNotFound)
	}

	ciphertext, err := n.volume.getObject(ctx, blockLocator(file))
	if err != nil {
		return fmt.Errorf("fetching block of %q: %w", name, err)
	}
	plaintext, err := n.volume.crypto.Decrypt(ciphertext, file.Key)
	if err != nil {
		return fmt.Errorf("decrypting block of %q: %w", name, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("writing payload of %q: %w", name, err)
	}
	return nil
}

// Delete removes an entry of any kind from the current directory.
func (n *Navigator) Delete(obj box.Object) error {
	name := obj.EntryName()
	var err error
	var replay func(*dirmeta.Store) error

	switch obj.(type) {
	case *box.File:
		err = n.dm.DeleteFile(name)
		replay = func(dm *dirmeta.Store) error { return ignoreNotFound(dm.DeleteFile(name)) }
	case *box.Folder:
		err = n.dm.DeleteFolder(name)
		replay = func(dm *dirmeta.Store) error { return ignoreNotFound(dm.DeleteFolder(name)) }
	case *box.External:
		err = n.dm.DeleteExternal(name)
		replay = func(dm *dirmeta.Store) error { return ignoreNotFound(dm.DeleteExternal(name)) }
	default:
		return fmt.Errorf("unknown entry type %T", obj)
	}
	if err != nil {
		return err
	}

	n.record("delete "+name, replay)
	return nil
}

// Rename gives an entry a new name within the current directory. Fails with
// ErrNameConflict if any entry already owns the new name.
func (n *Navigator) Rename(obj box.Object, newName string) (box.Object, error) {
	existing, err := n.dm.Classify(newName)
	if err != nil {
		return nil, err
	}
	if existing != box.KindNone {
		return nil, fmt.Errorf("%q already names a %s: %w", newName, existing, box.ErrNameConflict)
	}

	switch t := obj.(type) {
	case *box.File:
		renamed := *t
		renamed.Name = newName
		if err := n.dm.DeleteFile(t.Name); err != nil {
			return nil, err
		}
		if err := n.dm.InsertFile(&renamed); err != nil {
			return nil, err
		}
		n.record("rename "+t.Name, func(dm *dirmeta.Store) error {
			if err := ignoreNotFound(dm.DeleteFile(t.Name)); err != nil {
				return err
			}
			return dm.UpdateFile(&renamed)
		})
		return &renamed, nil
	case *box.Folder:
		renamed := *t
		renamed.Name = newName
		if err := n.dm.DeleteFolder(t.Name); err != nil {
			return nil, err
		}
		if err := n.dm.InsertFolder(&renamed); err != nil {
			return nil, err
		}
		n.record("rename "+t.Name, func(dm *dirmeta.Store) error {
			if err := ignoreNotFound(dm.DeleteFolder(t.Name)); err != nil {
				return err
			}
			return dm.UpdateFolder(&renamed)
		})
		return &renamed, nil
	case *box.External:
		renamed := *t
		renamed.Name = newName
		if err := n.dm.DeleteExternal(t.Name); err != nil {
			return nil, err
		}
		if err := n.dm.InsertExternal(&renamed); err != nil {
			return nil, err
		}
		n.record("rename "+t.Name, func(dm *dirmeta.Store) error {
			if err := ignoreNotFound(dm.DeleteExternal(t.Name)); err != nil {
				return err
			}
			return dm.UpdateExternal(&renamed)
		})
		return &renamed, nil
	default:
		return nil, fmt.Errorf("unknown entry type %T", obj)
	}
}

// AttachExternal mounts another identity's shared subtree under the given
// name in the current directory.
func (n *Navigator) AttachExternal(e *box.External) error {
	if err := n.dm.InsertExternal(e); err != nil {
		return err
	}
	n.record("attach "+e.Name, func(dm *dirmeta.Store) error {
		return dm.InsertExternal(e)
	})
	return nil
}

// DetachExternal removes an external reference by name.
func (n *Navigator) DetachExternal(name string) error {
	if err := n.dm.DeleteExternal(name); err != nil {
		return err
	}
	n.record("detach "+name, func(dm *dirmeta.Store) error {
		return ignoreNotFound(dm.DeleteExternal(name))
	})
	return nil
}

func (n *Navigator) record(desc string, apply func(*dirmeta.Store) error) {
	n.pending = append(n.pending, pendingChange{desc: desc, apply: apply})
	n.dirty = true
}

// Commit publishes the local state of the current directory: staged payload
// blocks and new-folder blobs first, then the directory blob itself, guarded
// by an optimistic-concurrency check against the remote version head. If the
// remote has moved on, the remote version is fetched, the local mutations are
// replayed on top and the commit is retried once; a second divergence fails
// with ErrConcurrentModification.
func (n *Navigator) Commit(ctx context.Context) error {
	if !n.dirty {
		return nil
	}
	cur := n.current()

	for _, u := range n.uploads {
		data, err := os.ReadFile(u.path)
		if err != nil {
			return fmt.Errorf("reading staged upload: %w", err)
		}
		ciphertext, err := n.volume.crypto.Encrypt(data, u.key)
		if err != nil {
			return fmt.Errorf("encrypting block %s: %w", u.locator, err)
		}
		if err := n.volume.putObject(ctx, u.locator, ciphertext); err != nil {
			return fmt.Errorf("pushing block %s: %w", u.locator, err)
		}
	}

	for _, nf := range n.newFolders {
		child, err := dirmeta.New("", n.volume.deviceID, n.volume.workDir, n.volume.clock)
		if err != nil {
			return fmt.Errorf("creating folder metadata: %w", err)
		}
		err = n.volume.pushStore(ctx, child, nf.ref, nf.key)
		child.Close()
		if err != nil {
			return fmt.Errorf("pushing folder metadata %s: %w", nf.ref, err)
		}
	}

	for attempt := 0; ; attempt++ {
		remote, remoteHead, err := n.volume.openStore(ctx, cur.ref, cur.key)
		if errors.Is(err, box.ErrNotFound) {
			// First publish of this directory; nothing to merge with.
			break
		}
		if err != nil {
			return fmt.Errorf("checking remote head: %w", err)
		}

		if bytes.Equal(remoteHead, n.base) {
			remote.Close()
			break
		}

		if attempt >= 1 {
			remote.Close()
			return fmt.Errorf("remote head moved again during merge: %w", box.ErrConcurrentModification)
		}

		n.volume.logger.Info("remote head diverged, replaying local changes",
			"ref", cur.ref, "changes", len(n.pending))

		for _, ch := range n.pending {
			if err := ch.apply(remote); err != nil {
				remote.Close()
				if errors.Is(err, box.ErrNameConflict) {
					return fmt.Errorf("replaying %q: %v: %w", ch.desc, err, box.ErrConcurrentModification)
				}
				return fmt.Errorf("replaying %q: %w", ch.desc, err)
			}
		}

		n.dm.Close()
		n.dm, n.base = remote, remoteHead
	}

	if err := n.dm.Commit(); err != nil {
		return err
	}
	if err := n.volume.pushStore(ctx, n.dm, cur.ref, cur.key); err != nil {
		return fmt.Errorf("pushing directory %s: %w", cur.ref, err)
	}

	head, err := n.dm.Version()
	if err != nil {
		return err
	}
	n.base = head

	for _, u := range n.uploads {
		os.Remove(u.path)
	}
	n.pending = nil
	n.uploads = nil
	n.newFolders = nil
	n.dirty = false

	n.volume.logger.Debug("directory committed", "ref", cur.ref, "path", n.Path())
	return nil
}

func blockLocator(f *box.File) string {
	return f.Prefix + "/blocks/" + f.Block
}

func ignoreNotFound(err error) error {
	if errors.Is(err, box.ErrNotFound) {
		return nil
	}
	return err
}
