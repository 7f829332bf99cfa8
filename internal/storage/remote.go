package storage

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/services/objectstore"
)

// Remote uploads archives to the object store with retry.
type Remote struct {
	client   objectstore.Client
	prefix   string
	attempts int
	backoff  time.Duration
	encrypt  bool
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewRemote builds a remote uploader.
func NewRemote(cfg config.Remote, client objectstore.Client, logger *slog.Logger) *Remote {
	attempts := cfg.UploadAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Remote{
		client:   client,
		prefix:   cfg.Prefix,
		attempts: attempts,
		backoff:  time.Duration(cfg.BackoffMillis) * time.Millisecond,
		encrypt:  cfg.ServerSideEncrypt,
		logger:   logging.NewComponentLogger(logger, "storage"),
		sleep:    sleepContext,
	}
}

func (r *Remote) Kind() string { return config.StorageRemote }

// SetSleep overrides the backoff wait (tests).
func (r *Remote) SetSleep(sleep func(context.Context, time.Duration) error) {
	r.sleep = sleep
}

// Persist uploads src under the configured prefix. Transient failures are
// retried with exponential backoff plus jitter; the local file is removed
// only after a successful upload.
func (r *Remote) Persist(ctx context.Context, src, name string) (string, error) {
	key := objectstore.Key(r.prefix, name)
	f, err := os.Open(src)
	if err != nil {
		return "", &Error{Backend: config.StorageRemote, Attempts: 0, Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", &Error{Backend: config.StorageRemote, Attempts: 0, Err: err}
	}

	var lastErr error
	attempt := 0
	for attempt < r.attempts {
		attempt++
		if _, err := f.Seek(0, 0); err != nil {
			return "", &Error{Backend: config.StorageRemote, Attempts: attempt, Err: err}
		}
		lastErr = r.client.Put(ctx, key, f, info.Size(), objectstore.PutOptions{
			ContentType: ContentType,
			Encrypt:     r.encrypt,
			Metadata:    map[string]string{"archive-name": name},
		})
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil || objectstore.IsPermanent(lastErr) || attempt == r.attempts {
			break
		}
		delay := r.delay(attempt)
		logging.WarnWithContext(r.logger, "archive upload failed; retrying", "upload_retry",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", r.attempts),
			logging.Duration("retry_in", delay),
			logging.Error(lastErr),
			logging.String(logging.FieldErrorHint, "check object store connectivity"),
		)
		if err := r.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr != nil {
		return "", &Error{Backend: config.StorageRemote, Attempts: attempt, Err: lastErr}
	}

	f.Close()
	if err := os.Remove(src); err != nil {
		r.logger.Warn("remove uploaded temp archive failed", logging.String("path", src), logging.Error(err))
	}
	r.logger.Info("archive uploaded",
		logging.String("key", key),
		logging.Int64("archive_bytes", info.Size()),
		logging.Int("attempts", attempt),
	)
	return key, nil
}

// Remove deletes the object at locator.
func (r *Remote) Remove(ctx context.Context, locator string) error {
	if err := r.client.Remove(ctx, locator); err != nil {
		return &Error{Backend: config.StorageRemote, Attempts: 1, Err: fmt.Errorf("remove %s: %w", locator, err)}
	}
	r.logger.Info("orphaned archive removed", logging.String("key", locator))
	return nil
}

// PresignGet issues a time-limited URL for locator.
func (r *Remote) PresignGet(ctx context.Context, locator string, ttl time.Duration, filename string) (string, error) {
	url, err := r.client.PresignGet(ctx, locator, ttl, filename)
	if err != nil {
		return "", &Error{Backend: config.StorageRemote, Attempts: 1, Err: fmt.Errorf("presign %s: %w", locator, err)}
	}
	return url, nil
}

// delay returns base*2^(attempt-1) plus up to base of jitter.
func (r *Remote) delay(attempt int) time.Duration {
	base := r.backoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << (attempt - 1)
	return d + rand.N(base)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
