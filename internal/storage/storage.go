// Package storage persists finished archives to the configured backend.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"chorus/internal/config"
	"chorus/internal/services"
	"chorus/internal/services/objectstore"
)

// ContentType is the media type of batch archives.
const ContentType = "application/gzip"

// Uploader persists an archive and returns its locator. On success the
// source file no longer exists at src. Remove discards a persisted archive
// that no batch will reference; a missing locator is not an error.
type Uploader interface {
	Kind() string
	Persist(ctx context.Context, src, name string) (string, error)
	Remove(ctx context.Context, locator string) error
}

// Error reports a post-retry storage failure.
type Error struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s storage failed after %d attempt(s): %v", e.Backend, e.Attempts, e.Err)
}

// Unwrap exposes both the storage marker and the cause.
func (e *Error) Unwrap() []error { return []error{services.ErrStorage, e.Err} }

// New returns the uploader selected by export.storage. client is required
// for the remote backend.
func New(cfg *config.Config, client objectstore.Client, logger *slog.Logger) (Uploader, error) {
	switch cfg.Export.Storage {
	case config.StorageLocal, "":
		return NewLocal(cfg.Paths.ExportDir, logger), nil
	case config.StorageRemote:
		if client == nil {
			return nil, services.Wrap(services.ErrConfiguration, "storage", "init", "remote storage requires an object store client", nil)
		}
		return NewRemote(cfg.Remote, client, logger), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "storage", "init", fmt.Sprintf("unknown storage backend %q", cfg.Export.Storage), nil)
	}
}
