package storage

import (
	"context"
	"fmt"

	appconfig "github.com/timmy/webindex/internal/config"
)

// NewDeadLetterArchive builds the archive described by cfg.
// Parameters:
//   - ctx: context for bucket creation.
//   - cfg: storage configuration; a disabled config yields NopArchive.
// Returns:
//   - DeadLetterArchive: archive ready for use.
//   - error: non-nil if the client or bucket cannot be set up.
func NewDeadLetterArchive(ctx context.Context, cfg *appconfig.StorageConfig) (DeadLetterArchive, error) {
	if cfg == nil || !cfg.Enabled {
		return NopArchive{}, nil
	}

	store, err := NewS3Storage(ctx, &S3Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("dead-letter bucket: %w", err)
	}
	return NewObjectArchive(store, cfg.Prefix), nil
}
