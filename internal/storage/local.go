package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"chorus/internal/config"
	"chorus/internal/logging"
)

// Local moves archives into the export directory.
type Local struct {
	dir    string
	logger *slog.Logger
	rename func(oldpath, newpath string) error
}

// NewLocal stores archives under dir.
func NewLocal(dir string, logger *slog.Logger) *Local {
	return &Local{dir: dir, logger: logging.NewComponentLogger(logger, "storage"), rename: os.Rename}
}

func (l *Local) Kind() string { return config.StorageLocal }

// SetRename overrides the initial rename of Persist (tests).
func (l *Local) SetRename(rename func(oldpath, newpath string) error) {
	l.rename = rename
}

// Persist renames src into the export directory, copying when the rename
// crosses filesystems, and restricts the result to the owner.
func (l *Local) Persist(ctx context.Context, src, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return "", &Error{Backend: config.StorageLocal, Attempts: 1, Err: err}
	}
	dest := filepath.Join(l.dir, filepath.Base(name))
	if err := l.rename(src, dest); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return "", &Error{Backend: config.StorageLocal, Attempts: 1, Err: err}
		}
		if err := copyInto(l.dir, src, dest); err != nil {
			return "", &Error{Backend: config.StorageLocal, Attempts: 1, Err: err}
		}
		if err := os.Remove(src); err != nil {
			l.logger.Warn("remove temp archive failed", logging.String("path", src), logging.Error(err))
		}
	}
	if err := os.Chmod(dest, 0o600); err != nil {
		return "", &Error{Backend: config.StorageLocal, Attempts: 1, Err: fmt.Errorf("restrict permissions: %w", err)}
	}
	l.logger.Info("archive stored", logging.String("path", dest))
	return dest, nil
}

// Remove deletes the archive at locator.
func (l *Local) Remove(_ context.Context, locator string) error {
	if err := os.Remove(locator); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &Error{Backend: config.StorageLocal, Attempts: 1, Err: err}
	}
	l.logger.Info("orphaned archive removed", logging.String("path", locator))
	return nil
}

// Open returns the archive stored at locator.
func (l *Local) Open(locator string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(locator)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// copyInto copies src to a synced temp file in dir and renames it over dest,
// so dest is either absent or complete.
func copyInto(dir, src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.CreateTemp(dir, ".chorus-*.partial")
	if err != nil {
		return err
	}
	tmp := out.Name()
	fail := func(err error) error {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Chmod(0o600); err != nil {
		return fail(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
