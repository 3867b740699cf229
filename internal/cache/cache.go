// Package cache keeps per-folder listings warm for interactive browsing:
// queries return the last known listing immediately while a background
// refresh fetches the current one.
package cache

import (
	"context"
	"sync"

	"boxd/internal/box"
)

// Fetcher loads the current entries of a folder from the volume. It is
// called from worker goroutines, never from Query's caller.
type Fetcher func(ctx context.Context, folderID string) ([]box.Object, error)

// Notifier is told whenever a folder's listing changed, including when a
// refresh failed. Implementations must be safe for concurrent use.
type Notifier interface {
	FolderChanged(folderID string)
}

// Listing is a point-in-time view of one folder. Loading marks a listing
// that is being refreshed in the background; Err carries the failure of the
// last refresh, with Entries holding the last good data.
type Listing struct {
	FolderID string
	Entries  []box.Object
	Loading  bool
	Err      error
}

// ListingCache serves folder listings stale-while-revalidate. Refreshes run
// on a fixed pool of workers; at most one refresh per folder is pending at a
// time.
type ListingCache struct {
	fetch    Fetcher
	notifier Notifier
	logger   box.Logger
	pool     *workerPool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listings map[string]Listing
	inflight map[string]bool
	active   string
}

// New creates a ListingCache with the given number of refresh workers.
func New(fetch Fetcher, notifier Notifier, workers int, logger box.Logger) *ListingCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &ListingCache{
		fetch:    fetch,
		notifier: notifier,
		logger:   logger,
		pool:     newWorkerPool(workers),
		ctx:      ctx,
		cancel:   cancel,
		listings: make(map[string]Listing),
		inflight: make(map[string]bool),
	}
}

// Query returns the cached listing for the folder. Re-querying the active
// folder serves the cache as-is; entering a folder (first query, or returning
// after browsing elsewhere) serves the last known entries flagged Loading and
// schedules a background refresh. Query never blocks on the block store.
func (c *ListingCache) Query(folderID string) Listing {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.listings[folderID]
	if ok && c.active == folderID {
		return copyListing(l)
	}

	c.active = folderID
	if !ok {
		l = Listing{FolderID: folderID}
	}
	l.Loading = true
	c.listings[folderID] = l

	c.scheduleLocked(folderID)
	return copyListing(l)
}

// Peek returns the cached listing without scheduling a refresh. The second
// return reports whether the folder was ever queried.
func (c *ListingCache) Peek(folderID string) (Listing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.listings[folderID]
	return copyListing(l), ok
}

// InvalidateFolder marks the cached listing stale and schedules a refresh.
// The last known entries stay served until the refresh overwrites them.
// Called after a local mutation committed.
func (c *ListingCache) InvalidateFolder(folderID string) {
	c.mu.Lock()
	if l, ok := c.listings[folderID]; ok {
		l.Loading = true
		c.listings[folderID] = l
	}
	c.scheduleLocked(folderID)
	c.mu.Unlock()
}

// ActiveFolder returns the most recently queried folder.
func (c *ListingCache) ActiveFolder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Close stops the refresh workers. Pending refreshes are dropped; an
// in-flight fetch is cancelled via its context.
func (c *ListingCache) Close() {
	c.cancel()
	c.pool.Close()
}

// scheduleLocked enqueues a refresh unless one is already pending for the
// folder. Caller holds c.mu.
func (c *ListingCache) scheduleLocked(folderID string) {
	if c.inflight[folderID] {
		return
	}
	c.inflight[folderID] = true
	c.pool.Submit(func() { c.refresh(folderID) })
}

func (c *ListingCache) refresh(folderID string) {
	entries, err := c.fetch(c.ctx, folderID)

	c.mu.Lock()
	delete(c.inflight, folderID)
	l := Listing{FolderID: folderID, Entries: entries, Err: err}
	if err != nil {
		// A failed refresh replaces the listing with an error marker so the
		// browser surfaces the failure instead of silently showing stale data.
		l.Entries = nil
	}
	c.listings[folderID] = l
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("folder refresh failed", "folder", folderID, "error", err)
	}
	if c.notifier != nil {
		c.notifier.FolderChanged(folderID)
	}
}

func copyListing(l Listing) Listing {
	out := l
	out.Entries = make([]box.Object, len(l.Entries))
	copy(out.Entries, l.Entries)
	return out
}
