// Package app wires configuration into a running client: crypto backend,
// block store, volume, provider and logging, with an exclusive lock on the
// base directory.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"boxd/internal/blockstore"
	"boxd/internal/box"
	"boxd/internal/cache"
	"boxd/internal/config"
	"boxd/internal/crypto"
	"boxd/internal/provider"
	"boxd/internal/volume"
)

// App is the application layer between the CLI and the volume. It constructs
// all dependencies from config and manages their lifecycle on Close.
type App struct {
	cfg      *config.Config
	store    box.BlockStore
	crypto   box.Crypto
	volume   *volume.Volume
	provider *provider.Provider
	logger   box.Logger
	lock     *flock.Flock
	logFile  *os.File
}

// singleVolume resolves document ids against the one volume this client
// opened.
type singleVolume struct {
	identity string
	prefix   string
	volume   *volume.Volume
}

func (r *singleVolume) Resolve(identityKey, prefix string) (*volume.Volume, error) {
	if identityKey != r.identity || prefix != r.prefix {
		return nil, fmt.Errorf("unknown identity %q with prefix %q", identityKey, prefix)
	}
	return r.volume, nil
}

// New creates a fully wired App from the given config. operation identifies
// the CLI command being run; passphrase unlocks the root key file. notifier
// may be nil when no host browser is attached. The caller must call Close
// when done.
func New(ctx context.Context, cfg *config.Config, operation string, passphrase string, notifier cache.Notifier) (*App, error) {
	deviceID, err := cfg.DecodeDeviceID()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.BaseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	// One process per base directory: the work area holds staged uploads and
	// open metadata databases.
	lock := flock.New(filepath.Join(cfg.BaseDir, "boxd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking base directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("base directory %s is in use by another process", cfg.BaseDir)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	cleanup := func() {
		logFile.Close()
		lock.Unlock()
	}

	cryptoSvc, err := crypto.NewFromConfig(cfg.Crypto)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("creating crypto backend: %w", err)
	}

	store, err := blockstore.NewFromConfig(ctx, cfg.BlockStore)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("creating block store: %w", err)
	}

	rootKey, err := crypto.LoadRootKey(cfg.Crypto.KeyPath, passphrase)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("unlocking root key: %w", err)
	}

	workDir := filepath.Join(cfg.BaseDir, "work")
	if err := os.MkdirAll(workDir, 0700); err != nil {
		cleanup()
		return nil, fmt.Errorf("creating work directory: %w", err)
	}

	vol := volume.New(deviceID, cfg.Prefix, rootKey, store, cryptoSvc, workDir, log, box.RealClock{}, box.UUIDGenerator{})

	workers := cfg.Cache.Workers
	if workers <= 0 {
		workers = 2
	}
	resolver := &singleVolume{identity: cfg.Identity, prefix: cfg.Prefix, volume: vol}
	prov := provider.New(resolver, notifier, workers, log)

	log.Info("application started", "operation", operation, "prefix", cfg.Prefix)

	return &App{
		cfg:      cfg,
		store:    store,
		crypto:   cryptoSvc,
		volume:   vol,
		provider: prov,
		logger:   log,
		lock:     lock,
		logFile:  logFile,
	}, nil
}

// Volume returns the wired volume.
func (a *App) Volume() *volume.Volume { return a.volume }

// Provider returns the wired host-integration surface.
func (a *App) Provider() *provider.Provider { return a.provider }

// Logger returns the application logger.
func (a *App) Logger() box.Logger { return a.logger }

// RootID returns the document id of this identity's root directory.
func (a *App) RootID() provider.DocumentID {
	return provider.DocumentID{
		IdentityKey: a.cfg.Identity,
		Prefix:      a.cfg.Prefix,
		FilePath:    "/",
	}
}

// Close stops the provider's workers, releases the base-dir lock and closes
// the log file.
func (a *App) Close() error {
	a.provider.Close()
	if err := a.lock.Unlock(); err != nil {
		return fmt.Errorf("releasing base directory lock: %w", err)
	}
	return a.logFile.Close()
}
