// Package blockstore provides the remote object-store backends holding
// encrypted directory metadata and file blocks.
package blockstore

import (
	"context"
	"fmt"

	"boxd/internal/box"
	"boxd/internal/config"
)

// NewFromConfig creates a BlockStore implementation based on the config type.
func NewFromConfig(ctx context.Context, cfg config.BlockStoreConfig) (box.BlockStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem block store requires root to be set")
		}
		return NewFilesystemStore(cfg.Root)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 block store requires s3_bucket to be set")
		}
		return NewS3StoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown block store type: %q", cfg.Type)
	}
}
