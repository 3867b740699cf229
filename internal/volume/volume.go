// Package volume implements the client side of the encrypted tree: device
// identity, directory navigation and the commit/merge protocol over the
// remote block store.
package volume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"boxd/internal/box"
	"boxd/internal/dirmeta"
)

// Volume owns the device identity, the root of one identity's tree in the
// block store and the key material needed to open it. It is the factory for
// Navigators.
type Volume struct {
	deviceID []byte
	prefix   string
	rootKey  []byte
	store    box.BlockStore
	crypto   box.Crypto
	workDir  string
	logger   box.Logger
	clock    box.Clock
	idgen    box.IDGenerator
}

// New creates a Volume. workDir holds fetched metadata databases and staged
// uploads; it must be writable and private to this process.
func New(deviceID []byte, prefix string, rootKey []byte, store box.BlockStore, crypto box.Crypto, workDir string, logger box.Logger, clock box.Clock, idgen box.IDGenerator) *Volume {
	return &Volume{
		deviceID: deviceID,
		prefix:   prefix,
		rootKey:  rootKey,
		store:    store,
		crypto:   crypto,
		workDir:  workDir,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
	}
}

// DeviceID returns this device's id.
func (v *Volume) DeviceID() []byte { return v.deviceID }

// Prefix returns the identity's namespace in the block store.
func (v *Volume) Prefix() string { return v.prefix }

// RootRef returns the locator of the index directory's metadata blob. The
// locator is fixed, so pushing the index blob is what publishes the root
// pointer.
func (v *Volume) RootRef() string { return v.prefix + "/index" }

// Navigate returns a Navigator positioned at the index directory, fetching
// and decrypting it. Fails with ErrNotFound if no index exists yet, which
// signals the caller to bootstrap via CreateIndex.
func (v *Volume) Navigate(ctx context.Context) (*Navigator, error) {
	dm, head, err := v.openStore(ctx, v.RootRef(), v.rootKey)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	return &Navigator{
		volume: v,
		dm:     dm,
		base:   head,
		stack:  []frame{{ref: v.RootRef(), key: v.rootKey}},
	}, nil
}

// CreateIndex bootstraps a brand-new index directory: a fresh metadata store
// with its first version record, encrypted and pushed to the root locator.
// Fails if an index already exists.
func (v *Volume) CreateIndex(ctx context.Context) error {
	_, err := v.getObject(ctx, v.RootRef())
	if err == nil {
		return fmt.Errorf("index already exists at %s", v.RootRef())
	}
	if !errors.Is(err, box.ErrNotFound) {
		return fmt.Errorf("checking for existing index: %w", err)
	}

	dm, err := dirmeta.New(v.RootRef(), v.deviceID, v.workDir, v.clock)
	if err != nil {
		return fmt.Errorf("creating index metadata: %w", err)
	}
	defer dm.Close()

	if err := v.pushStore(ctx, dm, v.RootRef(), v.rootKey); err != nil {
		return fmt.Errorf("publishing index: %w", err)
	}

	v.logger.Info("index created", "ref", v.RootRef())
	return nil
}

// openStore fetches, decrypts and opens a directory's metadata blob.
// Returns the store and its version head.
func (v *Volume) openStore(ctx context.Context, ref string, key []byte) (*dirmeta.Store, []byte, error) {
	blob, err := v.getObject(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := v.crypto.Decrypt(blob, key)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting directory %s: %w", ref, err)
	}

	dm, err := dirmeta.FromBytes(plaintext, v.deviceID, v.workDir, v.clock)
	if err != nil {
		return nil, nil, fmt.Errorf("opening directory %s: %w", ref, err)
	}

	head, err := dm.Version()
	if err != nil {
		dm.Close()
		return nil, nil, fmt.Errorf("reading version head of %s: %w", ref, err)
	}

	return dm, head, nil
}

// pushStore serializes, encrypts and uploads a metadata store to its ref.
// Put overwrites by locator, so a retried push of the same content is safe.
func (v *Volume) pushStore(ctx context.Context, dm *dirmeta.Store, ref string, key []byte) error {
	data, err := dm.Bytes()
	if err != nil {
		return fmt.Errorf("serializing directory %s: %w", ref, err)
	}

	ciphertext, err := v.crypto.Encrypt(data, key)
	if err != nil {
		return fmt.Errorf("encrypting directory %s: %w", ref, err)
	}

	return v.putObject(ctx, ref, ciphertext)
}

// transportRetryOptions bound retries of remote calls. Only transport faults
// are retried; not-found and cancellation pass through immediately.
func transportRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(200 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, box.ErrTransportFault) }),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	}
}

func (v *Volume) getObject(ctx context.Context, locator string) ([]byte, error) {
	return retry.DoWithData(func() ([]byte, error) {
		return v.store.Get(ctx, locator)
	}, transportRetryOptions(ctx)...)
}

func (v *Volume) putObject(ctx context.Context, locator string, data []byte) error {
	return retry.Do(func() error {
		return v.store.Put(ctx, locator, data)
	}, transportRetryOptions(ctx)...)
}
