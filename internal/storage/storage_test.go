package storage_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/services"
	"chorus/internal/services/objectstore"
	"chorus/internal/storage"
	"chorus/internal/testsupport"
)

func writeArchive(t *testing.T, cfg *config.Config, name string, size int64) string {
	t.Helper()
	path := filepath.Join(cfg.Paths.TempDir, name)
	testsupport.WriteArtifact(t, path, size)
	return path
}

func TestLocalPersistMovesArchive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeArchive(t, cfg, "chorus-batch-a.tar.gz", 2048)

	up, err := storage.New(cfg, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if up.Kind() != config.StorageLocal {
		t.Fatalf("expected local backend, got %s", up.Kind())
	}
	locator, err := up.Persist(context.Background(), src, "chorus-batch-a.tar.gz")
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if locator != filepath.Join(cfg.Paths.ExportDir, "chorus-batch-a.tar.gz") {
		t.Fatalf("unexpected locator %s", locator)
	}
	info, err := os.Stat(locator)
	if err != nil {
		t.Fatalf("stat stored archive: %v", err)
	}
	if info.Size() != 2048 {
		t.Fatalf("expected 2048 bytes, got %d", info.Size())
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected temp archive to be gone, stat err=%v", err)
	}
}

func TestLocalPersistMissingSource(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	up := storage.NewLocal(cfg.Paths.ExportDir, nil)
	_, err := up.Persist(context.Background(), filepath.Join(cfg.Paths.TempDir, "absent.tar.gz"), "absent.tar.gz")
	if !errors.Is(err, services.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestRemotePersistRetriesTransientFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRemoteStorage())
	cfg.Remote.Prefix = "exports"
	cfg.Remote.ServerSideEncrypt = true
	src := writeArchive(t, cfg, "chorus-batch-b.tar.gz", 4096)

	fake := objectstore.NewFake()
	fake.PutErrors = []error{errors.New("connection reset"), errors.New("connection reset")}
	remote := storage.NewRemote(cfg.Remote, fake, logging.NewNop())
	var slept []time.Duration
	remote.SetSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	key, err := remote.Persist(context.Background(), src, "chorus-batch-b.tar.gz")
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if key != "exports/chorus-batch-b.tar.gz" {
		t.Fatalf("unexpected key %s", key)
	}
	if fake.Puts != 3 {
		t.Fatalf("expected 3 upload attempts, got %d", fake.Puts)
	}
	if len(slept) != 2 || slept[1] < slept[0] {
		t.Fatalf("expected two growing backoff delays, got %v", slept)
	}
	obj, ok := fake.Object(key)
	if !ok {
		t.Fatal("object not stored")
	}
	if len(obj.Data) != 4096 {
		t.Fatalf("expected full upload, got %d bytes", len(obj.Data))
	}
	if obj.Options.ContentType != storage.ContentType || !obj.Options.Encrypt {
		t.Fatalf("unexpected put options %+v", obj.Options)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected local archive removed after upload, stat err=%v", err)
	}
}

func TestRemotePersistStopsOnPermanentFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRemoteStorage())
	src := writeArchive(t, cfg, "chorus-batch-c.tar.gz", 512)

	fake := objectstore.NewFake()
	fake.PutErrors = []error{minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}}
	remote := storage.NewRemote(cfg.Remote, fake, logging.NewNop())
	remote.SetSleep(func(context.Context, time.Duration) error { return nil })

	_, err := remote.Persist(context.Background(), src, "chorus-batch-c.tar.gz")
	if !errors.Is(err, services.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	var se *storage.Error
	if !errors.As(err, &se) || se.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %+v", se)
	}
	if fake.Puts != 1 {
		t.Fatalf("expected no retries, got %d puts", fake.Puts)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("local archive should survive a failed upload: %v", err)
	}
}

func TestRemotePersistExhaustsAttempts(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRemoteStorage())
	cfg.Remote.UploadAttempts = 2
	src := writeArchive(t, cfg, "chorus-batch-d.tar.gz", 64)

	fake := objectstore.NewFake()
	fake.PutErrors = []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}
	remote := storage.NewRemote(cfg.Remote, fake, logging.NewNop())
	remote.SetSleep(func(context.Context, time.Duration) error { return nil })

	_, err := remote.Persist(context.Background(), src, "chorus-batch-d.tar.gz")
	var se *storage.Error
	if !errors.As(err, &se) || se.Attempts != 2 || se.Backend != config.StorageRemote {
		t.Fatalf("unexpected error %v", err)
	}
	if fake.Puts != 2 {
		t.Fatalf("expected 2 puts, got %d", fake.Puts)
	}
}

func TestNewRejectsRemoteWithoutClient(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRemoteStorage())
	if _, err := storage.New(cfg, nil, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	cfg.Export.Storage = "tape"
	if _, err := storage.New(cfg, objectstore.NewFake(), nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for unknown backend, got %v", err)
	}
}

func crossDevice(oldpath, newpath string) error {
	return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
}

func TestLocalPersistCopiesAcrossDevices(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeArchive(t, cfg, "chorus-batch-x.tar.gz", 4096)
	want, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}

	up := storage.NewLocal(cfg.Paths.ExportDir, logging.NewNop())
	up.SetRename(crossDevice)
	locator, err := up.Persist(context.Background(), src, "chorus-batch-x.tar.gz")
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	got, err := os.ReadFile(locator)
	if err != nil {
		t.Fatalf("read stored archive: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("stored archive differs from source")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected temp archive to be gone, stat err=%v", err)
	}
	partials, _ := filepath.Glob(filepath.Join(cfg.Paths.ExportDir, ".chorus-*.partial"))
	if len(partials) != 0 {
		t.Fatalf("partial copies left behind: %v", partials)
	}
}

func TestLocalPersistFailedCopyLeavesNoPartial(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeArchive(t, cfg, "chorus-batch-y.tar.gz", 512)
	// a non-empty directory at the destination makes the final rename fail
	blocker := filepath.Join(cfg.Paths.ExportDir, "chorus-batch-y.tar.gz")
	testsupport.WriteArtifact(t, filepath.Join(blocker, "keep"), 8)

	up := storage.NewLocal(cfg.Paths.ExportDir, logging.NewNop())
	up.SetRename(crossDevice)
	if _, err := up.Persist(context.Background(), src, "chorus-batch-y.tar.gz"); !errors.Is(err, services.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	partials, _ := filepath.Glob(filepath.Join(cfg.Paths.ExportDir, ".chorus-*.partial"))
	if len(partials) != 0 {
		t.Fatalf("partial copies left behind: %v", partials)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("source archive should survive a failed copy: %v", err)
	}
}

func TestRemoveDiscardsPersistedArchive(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t, testsupport.WithRemoteStorage())

	local := storage.NewLocal(cfg.Paths.ExportDir, logging.NewNop())
	locator, err := local.Persist(ctx, writeArchive(t, cfg, "chorus-batch-l.tar.gz", 32), "chorus-batch-l.tar.gz")
	if err != nil {
		t.Fatalf("Persist local: %v", err)
	}
	if err := local.Remove(ctx, locator); err != nil {
		t.Fatalf("Remove local: %v", err)
	}
	if _, err := os.Stat(locator); !os.IsNotExist(err) {
		t.Fatalf("local archive should be gone, stat err=%v", err)
	}
	if err := local.Remove(ctx, locator); err != nil {
		t.Fatalf("removing a missing archive should succeed: %v", err)
	}

	fake := objectstore.NewFake()
	remote := storage.NewRemote(cfg.Remote, fake, logging.NewNop())
	key, err := remote.Persist(ctx, writeArchive(t, cfg, "chorus-batch-r.tar.gz", 32), "chorus-batch-r.tar.gz")
	if err != nil {
		t.Fatalf("Persist remote: %v", err)
	}
	if err := remote.Remove(ctx, key); err != nil {
		t.Fatalf("Remove remote: %v", err)
	}
	if _, ok := fake.Object(key); ok {
		t.Fatalf("object %s should be removed", key)
	}
}
