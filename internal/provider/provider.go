package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"boxd/internal/box"
	"boxd/internal/cache"
	"boxd/internal/volume"
)

// VolumeResolver maps a document id's identity and prefix to an open volume.
type VolumeResolver interface {
	Resolve(identityKey, prefix string) (*volume.Volume, error)
}

// Provider exposes the volume layer to a host file browser. Listings are
// served through the listing cache; every structural mutation commits through
// a navigator and invalidates the affected folder so browsers refresh.
//
// Navigators are not safe for concurrent use, so all volume access is
// serialized behind a mutex. Listing refreshes run on the cache's workers and
// take the same mutex.
type Provider struct {
	resolver VolumeResolver
	cache    *cache.ListingCache
	logger   box.Logger

	mu sync.Mutex
}

// New creates a Provider. notifier receives change notifications for folder
// ids; workers sizes the cache's refresh pool.
func New(resolver VolumeResolver, notifier cache.Notifier, workers int, logger box.Logger) *Provider {
	p := &Provider{
		resolver: resolver,
		logger:   logger,
	}
	p.cache = cache.New(p.fetchListing, notifier, workers, logger)
	return p
}

// Close stops the listing cache's workers.
func (p *Provider) Close() {
	p.cache.Close()
}

// QueryChildDocuments returns the folder's listing from the cache, refreshing
// it in the background. It never blocks on the block store.
func (p *Provider) QueryChildDocuments(id DocumentID) (cache.Listing, error) {
	if err := validateFolderPath(id); err != nil {
		return cache.Listing{}, err
	}
	return p.cache.Query(id.String()), nil
}

// QueryDocument looks up a single document. Returns box.ErrNotFound if no
// entry owns the name.
func (p *Provider) QueryDocument(ctx context.Context, id DocumentID) (box.Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id.IsRoot() {
		v, err := p.resolver.Resolve(id.IdentityKey, id.Prefix)
		if err != nil {
			return nil, err
		}
		return &box.Folder{Ref: v.RootRef(), Name: "/"}, nil
	}

	nav, err := p.navigateParent(ctx, id)
	if err != nil {
		return nil, err
	}
	defer nav.Close()

	return lookup(nav, id.Name())
}

// CreateDocument creates a folder or an empty file named name inside the
// parent directory and commits. Returns the new document's id.
func (p *Provider) CreateDocument(ctx context.Context, parent DocumentID, name string, folder bool) (DocumentID, error) {
	if err := validateEntryName(name); err != nil {
		return DocumentID{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	nav, err := p.navigateFolder(ctx, parent)
	if err != nil {
		return DocumentID{}, err
	}
	defer nav.Close()

	if folder {
		_, err = nav.CreateFolder(name)
	} else {
		_, err = nav.Upload(ctx, name, strings.NewReader(""))
	}
	if err != nil {
		return DocumentID{}, err
	}
	if err := nav.Commit(ctx); err != nil {
		return DocumentID{}, err
	}

	p.cache.InvalidateFolder(parent.String())
	p.logger.Info("document created", "parent", parent.FilePath, "name", name, "folder", folder)
	return parent.Child(name), nil
}

// DeleteDocument removes the document and commits.
func (p *Provider) DeleteDocument(ctx context.Context, id DocumentID) error {
	if id.IsRoot() {
		return fmt.Errorf("cannot delete the root directory")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	nav, err := p.navigateParent(ctx, id)
	if err != nil {
		return err
	}
	defer nav.Close()

	obj, err := lookup(nav, id.Name())
	if err != nil {
		return err
	}
	if err := nav.Delete(obj); err != nil {
		return err
	}
	if err := nav.Commit(ctx); err != nil {
		return err
	}

	p.cache.InvalidateFolder(id.Parent().String())
	p.logger.Info("document deleted", "path", id.FilePath)
	return nil
}

// RenameDocument renames the document within its directory and commits.
// Returns the document's new id.
func (p *Provider) RenameDocument(ctx context.Context, id DocumentID, newName string) (DocumentID, error) {
	if id.IsRoot() {
		return DocumentID{}, fmt.Errorf("cannot rename the root directory")
	}
	if err := validateEntryName(newName); err != nil {
		return DocumentID{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	nav, err := p.navigateParent(ctx, id)
	if err != nil {
		return DocumentID{}, err
	}
	defer nav.Close()

	obj, err := lookup(nav, id.Name())
	if err != nil {
		return DocumentID{}, err
	}
	if _, err := nav.Rename(obj, newName); err != nil {
		return DocumentID{}, err
	}
	if err := nav.Commit(ctx); err != nil {
		return DocumentID{}, err
	}

	p.cache.InvalidateFolder(id.Parent().String())
	p.logger.Info("document renamed", "path", id.FilePath, "name", newName)
	return id.Parent().Child(newName), nil
}

// ReadDocument streams the document's decrypted payload into w. Cancelling
// ctx aborts the transfer.
func (p *Provider) ReadDocument(ctx context.Context, id DocumentID, w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	nav, err := p.navigateParent(ctx, id)
	if err != nil {
		return err
	}
	defer nav.Close()

	return nav.Download(ctx, id.Name(), w)
}

// WriteDocument replaces the document's payload with the bytes read from r
// and commits. Cancelling ctx aborts the transfer.
func (p *Provider) WriteDocument(ctx context.Context, id DocumentID, r io.Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	nav, err := p.navigateParent(ctx, id)
	if err != nil {
		return err
	}
	defer nav.Close()

	if _, err := nav.Upload(ctx, id.Name(), r); err != nil {
		return err
	}
	if err := nav.Commit(ctx); err != nil {
		return err
	}

	p.cache.InvalidateFolder(id.Parent().String())
	return nil
}

// fetchListing is the cache's fetcher: it resolves the folder id, navigates
// to the directory and lists all entry kinds.
func (p *Provider) fetchListing(ctx context.Context, folderID string) ([]box.Object, error) {
	id, err := ParseDocumentID(folderID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	nav, err := p.navigateFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	defer nav.Close()

	files, err := nav.ListFiles()
	if err != nil {
		return nil, err
	}
	folders, err := nav.ListFolders()
	if err != nil {
		return nil, err
	}
	externals, err := nav.ListExternals()
	if err != nil {
		return nil, err
	}

	entries := make([]box.Object, 0, len(files)+len(folders)+len(externals))
	for _, f := range folders {
		entries = append(entries, f)
	}
	for _, f := range files {
		entries = append(entries, f)
	}
	for _, e := range externals {
		entries = append(entries, e)
	}
	return entries, nil
}

// navigateFolder opens a navigator positioned at the directory the id names.
func (p *Provider) navigateFolder(ctx context.Context, id DocumentID) (*volume.Navigator, error) {
	v, err := p.resolver.Resolve(id.IdentityKey, id.Prefix)
	if err != nil {
		return nil, err
	}
	nav, err := v.Navigate(ctx)
	if err != nil {
		return nil, err
	}
	if !id.IsRoot() {
		if err := nav.Navigate(ctx, id.FilePath); err != nil {
			nav.Close()
			return nil, err
		}
	}
	return nav, nil
}

// navigateParent opens a navigator positioned at the directory containing
// the document the id names.
func (p *Provider) navigateParent(ctx context.Context, id DocumentID) (*volume.Navigator, error) {
	if id.IsRoot() {
		return nil, fmt.Errorf("document id %q names the root, not an entry", id.String())
	}
	return p.navigateFolder(ctx, id.Parent())
}

// lookup finds the entry owning name, checking all three kinds.
func lookup(nav *volume.Navigator, name string) (box.Object, error) {
	if f, err := nav.GetFile(name); err != nil {
		return nil, err
	} else if f != nil {
		return f, nil
	}
	if f, err := nav.GetFolder(name); err != nil {
		return nil, err
	} else if f != nil {
		return f, nil
	}
	if e, err := nav.GetExternal(name); err != nil {
		return nil, err
	} else if e != nil {
		return e, nil
	}
	return nil, fmt.Errorf("document %q: %w", name, box.ErrNotFound)
}

func validateEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("empty document name")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("document name %q must not contain /", name)
	}
	return nil
}

func validateFolderPath(id DocumentID) error {
	if id.IdentityKey == "" || id.Prefix == "" {
		return fmt.Errorf("incomplete document id %q", id.String())
	}
	return nil
}
