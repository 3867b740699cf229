package box

import "context"

// BlockStore provides access to the remote object store holding encrypted
// directory-metadata blobs and file blocks. Locators are opaque slash-separated
// keys. Put overwrites by locator, so a retried push of the same content is
// safe. Implementations wrap transport failures in ErrTransportFault and
// missing objects in ErrNotFound; context cancellation surfaces as the
// context's own error, not as a transport fault.
type BlockStore interface {
	// Get retrieves the object stored under locator.
	Get(ctx context.Context, locator string) ([]byte, error)

	// Put stores data under locator, replacing any previous object.
	Put(ctx context.Context, locator string, data []byte) error

	// Delete removes the object under locator. Deleting a missing object
	// is not an error.
	Delete(ctx context.Context, locator string) error

	// List returns the locators of all objects under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
