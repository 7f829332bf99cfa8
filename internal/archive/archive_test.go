package archive_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chorus/internal/archive"
	"chorus/internal/logging"
	"chorus/internal/services"
	"chorus/internal/testsupport"
)

func entries(t *testing.T, dir string) []archive.Entry {
	t.Helper()
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var out []archive.Entry
	for i, spec := range []struct {
		lang     string
		duration float64
		size     int64
	}{{"en", 3, 2048}, {"fr", 4.5, 1024}, {"", 2.5, 512}} {
		path := filepath.Join(dir, "audio", filepath.Base(t.Name())+"-"+string(rune('a'+i))+".WAV")
		testsupport.WriteArtifact(t, path, spec.size)
		out = append(out, archive.Entry{
			UnitID:       int64(10 + i),
			RecordingID:  "rec-1",
			ArtifactPath: path,
			Text:         "Consensus text number " + string(rune('A'+i)),
			Duration:     spec.duration,
			Language:     spec.lang,
			Quality:      0.95,
			CreatedAt:    created,
			UpdatedAt:    created.Add(time.Hour),
		})
	}
	return out
}

func TestBuildIsDeterministicAndInspectable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	builder := archive.NewBuilder(cfg, logging.NewNop())
	ctx := context.Background()
	input := entries(t, testsupport.BaseDir(cfg))
	createdAt := time.Date(2026, 5, 2, 8, 30, 15, 999, time.UTC)

	var calls int
	first, err := builder.Build(ctx, "batch-1", createdAt, input, func(done, total int) {
		calls++
		if total != 3 {
			t.Fatalf("unexpected total %d", total)
		}
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 progress callbacks, got %d", calls)
	}
	firstSum := first.Checksum

	second, err := builder.Build(ctx, "batch-1", createdAt, input, nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if second.Checksum != firstSum {
		t.Fatalf("rebuild changed checksum: %s vs %s", firstSum, second.Checksum)
	}

	report, err := archive.Inspect(second.Path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if report.Checksum != second.Checksum || report.SizeBytes != second.SizeBytes {
		t.Fatalf("inspect checksum mismatch: %+v", report)
	}
	if report.Manifest.UnitCount != 3 || report.MetadataFiles != 3 || report.ArtifactFiles != 3 {
		t.Fatalf("unexpected counts: manifest=%d metadata=%d artifacts=%d",
			report.Manifest.UnitCount, report.MetadataFiles, report.ArtifactFiles)
	}

	want := archive.Manifest{
		BatchID:       "batch-1",
		ExportedAt:    createdAt.Truncate(time.Second),
		UnitCount:     3,
		TotalDuration: 10,
		Languages:     []string{"en", "fr"},
		FormatVersion: cfg.Export.FormatVersion,
		Compression:   archive.Compression{Algorithm: "gzip", Level: 9, AverageDuration: 10.0 / 3},
		Units: []archive.ManifestUnit{
			{UnitID: 10, Artifact: "units/10.wav", Metadata: "units/10.meta.json"},
			{UnitID: 11, Artifact: "units/11.wav", Metadata: "units/11.meta.json"},
			{UnitID: 12, Artifact: "units/12.wav", Metadata: "units/12.meta.json"},
		},
	}
	if diff := cmp.Diff(want, report.Manifest); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
	if report.Units[2].Language != "en" || report.Units[0].Text != "Consensus text number A" {
		t.Fatalf("unexpected unit metadata %+v", report.Units)
	}

	leftovers, _ := filepath.Glob(filepath.Join(cfg.Paths.TempDir, "*.partial-*"))
	if len(leftovers) != 0 {
		t.Fatalf("partial files left behind: %v", leftovers)
	}
}

func TestJSONArtifactKeepsItsOwnEntry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	builder := archive.NewBuilder(cfg, logging.NewNop())
	input := entries(t, testsupport.BaseDir(cfg))[:1]
	jsonPath := filepath.Join(testsupport.BaseDir(cfg), "audio", "alignment.json")
	testsupport.WriteArtifact(t, jsonPath, 300)
	input[0].ArtifactPath = jsonPath

	built, err := builder.Build(context.Background(), "batch-json", time.Now(), input, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	report, err := archive.Inspect(built.Path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if report.MetadataFiles != 1 || report.ArtifactFiles != 1 {
		t.Fatalf("expected one metadata and one artifact file, got %d and %d", report.MetadataFiles, report.ArtifactFiles)
	}
	if got := report.Manifest.Units[0]; got.Artifact != "units/10.json" || got.Metadata != "units/10.meta.json" {
		t.Fatalf("unexpected unit paths %+v", got)
	}
	if report.Units[0].Artifact != "10.json" {
		t.Fatalf("metadata points at %q", report.Units[0].Artifact)
	}
}

func TestBuildDiscardsPartialArchive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	builder := archive.NewBuilder(cfg, logging.NewNop())
	input := entries(t, testsupport.BaseDir(cfg))
	if err := os.Remove(input[1].ArtifactPath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := builder.Build(context.Background(), "batch-2", time.Now(), input, nil); err == nil {
		t.Fatal("expected build to fail on missing artifact")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := builder.Build(ctx, "batch-3", time.Now(), entries(t, t.TempDir()), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	files, err := os.ReadDir(cfg.Paths.TempDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected empty temp dir, found %d files", len(files))
	}

	if _, err := builder.Build(context.Background(), "batch-4", time.Now(), nil, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty batch, got %v", err)
	}
}

func TestCompressionLevel(t *testing.T) {
	tests := []struct {
		avg  float64
		want int
	}{
		{1, 9},
		{5, 9},
		{5.1, 6},
		{15, 6},
		{30, 3},
	}
	for _, tt := range tests {
		if got := archive.CompressionLevel(tt.avg); got != tt.want {
			t.Errorf("CompressionLevel(%v) = %d, want %d", tt.avg, got, tt.want)
		}
	}
}

func TestInspectRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-archive.tar.gz")
	if err := os.WriteFile(path, []byte("plain text"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := archive.Inspect(path); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
