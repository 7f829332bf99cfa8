// Package downloads gates access to completed batch archives behind a
// per-user daily allowance counted from UTC midnight.
package downloads

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chorus/internal/archive"
	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/quota"
	"chorus/internal/roles"
	"chorus/internal/services"
	"chorus/internal/storage"
	"chorus/internal/store"
)

// Presigner issues time-limited URLs for remote archives.
type Presigner interface {
	PresignGet(ctx context.Context, locator string, ttl time.Duration, filename string) (string, error)
}

// Access is a granted download. Exactly one of File or URL is set.
type Access struct {
	BatchID     string
	FileName    string
	ContentType string
	Checksum    string

	// File streams a locally stored archive; the caller closes it.
	File *os.File
	Size int64

	URL       string
	ExpiresIn time.Duration

	DownloadsToday int
	DailyLimit     int
}

// Close releases the local file handle, if any.
func (a *Access) Close() error {
	if a == nil || a.File == nil {
		return nil
	}
	return a.File.Close()
}

// Gate authorizes batch downloads.
type Gate struct {
	store     *store.Store
	guard     *quota.Guard
	presigner Presigner
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewGate builds a gate. presigner may be nil when remote storage is unused.
func NewGate(cfg *config.Config, st *store.Store, guard *quota.Guard, presigner Presigner, logger *slog.Logger) *Gate {
	ttl := time.Duration(cfg.Remote.PresignTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Gate{
		store:     st,
		guard:     guard,
		presigner: presigner,
		ttl:       ttl,
		logger:    logging.NewComponentLogger(logger, "downloads"),
		now:       time.Now,
	}
}

// SetClock overrides the clock used for the daily window.
func (g *Gate) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Window returns the start of the UTC day containing t and the next reset.
func Window(t time.Time) (start, reset time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// Open grants userID access to a completed batch. The download is recorded
// before access is returned; a rejected request records nothing.
func (g *Gate) Open(ctx context.Context, userID string, caps roles.Capabilities, batchID, origin string) (*Access, error) {
	batch, err := g.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "downloads", "load batch", "", err)
	}
	if batch == nil {
		return nil, services.Wrap(services.ErrNotFound, "downloads", "load batch", fmt.Sprintf("batch %s", batchID), nil)
	}
	if batch.Status != store.BatchCompleted {
		return nil, services.Wrap(services.ErrValidation, "downloads", "load batch",
			fmt.Sprintf("batch %s is %s, only completed batches can be downloaded", batchID, batch.Status), nil)
	}

	start, reset := Window(g.now())
	limit := caps.DailyDownloadLimit
	if limit == 0 {
		return nil, &services.DownloadLimitError{ResetTime: reset, DownloadsToday: 0, DailyLimit: 0}
	}

	access := &Access{
		BatchID:     batch.ID,
		FileName:    archive.FileName(batch.ID),
		ContentType: storage.ContentType,
		Checksum:    batch.Checksum,
		DailyLimit:  limit,
	}
	remote := batch.StorageKind == config.StorageRemote
	if remote {
		if g.presigner == nil {
			return nil, services.Wrap(services.ErrConfiguration, "downloads", "presign", "remote storage is not configured", nil)
		}
		if err := g.guard.CheckDownload(ctx); err != nil {
			return nil, err
		}
		url, err := g.presigner.PresignGet(ctx, batch.Locator, g.ttl, access.FileName)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "downloads", "presign", "", err)
		}
		access.URL = url
		access.ExpiresIn = g.ttl
	} else {
		f, err := os.Open(batch.Locator)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "downloads", "open archive", filepath.Base(batch.Locator), err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, services.Wrap(services.ErrStorage, "downloads", "open archive", "", err)
		}
		access.File = f
		access.Size = info.Size()
	}

	recorded, err := g.store.RecordDownload(ctx, store.Download{
		BatchID:   batch.ID,
		UserID:    userID,
		Origin:    origin,
		CreatedAt: g.now(),
	}, start, limit)
	if err != nil {
		access.Close()
		return nil, services.Wrap(services.ErrTransient, "downloads", "record", "", err)
	}
	used, err := g.store.CountDownloads(ctx, userID, start)
	if err != nil {
		used = -1
	}
	if !recorded {
		access.Close()
		logging.WarnWithContext(g.logger, "daily download limit reached", "download_limit",
			logging.String(logging.FieldUserID, userID),
			logging.BatchID(batch.ID),
			logging.Int("downloads_today", used),
			logging.Int("daily_limit", limit),
			logging.String(logging.FieldErrorHint, "wait for the daily reset or use a role with a higher limit"),
			logging.String(logging.FieldImpact, "download rejected"),
		)
		return nil, &services.DownloadLimitError{ResetTime: reset, DownloadsToday: used, DailyLimit: limit}
	}
	access.DownloadsToday = used

	if remote {
		if err := g.guard.RecordDownload(ctx); err != nil {
			g.logger.Warn("class B counter not updated", logging.Error(err))
		}
	}
	g.logger.Info("download granted",
		logging.String(logging.FieldUserID, userID),
		logging.BatchID(batch.ID),
		logging.Bool("remote", remote),
		logging.Int("downloads_today", used),
	)
	return access, nil
}
