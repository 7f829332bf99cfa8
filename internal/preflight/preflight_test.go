package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chorus/internal/config"
	"chorus/internal/services/objectstore"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckObjectStore(t *testing.T) {
	fake := objectstore.NewFake()
	if result := CheckObjectStore(context.Background(), "chorus", fake); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}

	fake.PingErr = errors.New("access denied")
	result := CheckObjectStore(context.Background(), "chorus", fake)
	if result.Passed || result.Detail != "access denied" {
		t.Fatalf("expected failure with detail, got %+v", result)
	}

	if result := CheckObjectStore(context.Background(), "chorus", nil); result.Passed {
		t.Fatal("expected failure without client")
	}
}

func TestRunAll(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.ExportDir = filepath.Join(base, "exports")
	cfg.Paths.TempDir = filepath.Join(base, "tmp")
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	results := RunAll(context.Background(), &cfg, nil)
	if len(results) != 3 {
		t.Fatalf("expected 3 local checks, got %d", len(results))
	}
	failed := Failed(results)
	if len(failed) != 1 || !strings.HasPrefix(failed[0], "Export directory") {
		t.Fatalf("expected only the export directory to fail, got %v", failed)
	}

	cfg.Export.Storage = config.StorageRemote
	cfg.Remote.Endpoint = "objects.test"
	cfg.Remote.Bucket = "chorus"
	results = RunAll(context.Background(), &cfg, objectstore.NewFake())
	if len(results) != 4 || !results[3].Passed {
		t.Fatalf("expected passing object store check, got %+v", results)
	}
}
