package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chorus/internal/annotation"
	"chorus/internal/ingest"
	"chorus/internal/logging"
	"chorus/internal/testsupport"
)

const yamlFixture = `units:
  - recording_id: rec-001
    duration_seconds: 4.5
    language: en-GB
    artifact_path: audio/rec-001.wav
    created_at: 2026-03-01
    candidates:
      - submitter: alice
        text: the quick brown fox
        annotations:
          flags: [noise]
          speaker: s1
      - submitter: bob
        text: the quick brown fox
  - duration_seconds: 2
    artifact_path: /abs/rec-002.wav
    candidates:
      - submitter: carol
        text: hello there
`

func writeFixture(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadFileResolvesRelativeArtifacts(t *testing.T) {
	path := writeFixture(t, "units.yaml", yamlFixture)

	fx, err := ingest.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(fx.Units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(fx.Units))
	}
	want := filepath.Join(filepath.Dir(path), "audio", "rec-001.wav")
	if fx.Units[0].ArtifactPath != want {
		t.Fatalf("artifact path = %q, want %q", fx.Units[0].ArtifactPath, want)
	}
	if fx.Units[1].ArtifactPath != "/abs/rec-002.wav" {
		t.Fatalf("absolute path rewritten: %q", fx.Units[1].ArtifactPath)
	}
}

func TestLoadFileRejectsUnknownFieldsAndExtensions(t *testing.T) {
	if _, err := ingest.LoadFile(writeFixture(t, "units.yaml", "units:\n  - bogus: 1\n")); err == nil {
		t.Fatal("expected unknown yaml field to fail")
	}
	if _, err := ingest.LoadFile(writeFixture(t, "units.json", `{"units":[{"nope":true}]}`)); err == nil {
		t.Fatal("expected unknown json field to fail")
	}
	if _, err := ingest.LoadFile(writeFixture(t, "units.csv", "a,b")); err == nil {
		t.Fatal("expected unsupported extension to fail")
	}
}

func TestApplyCreatesUnitsAndCandidates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	fx, err := ingest.Decode(strings.NewReader(yamlFixture), ingest.FormatYAML)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	result, err := ingest.Apply(ctx, st, fx, logging.NewNop())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Units != 2 || result.Candidates != 3 || len(result.UnitIDs) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	first, err := st.GetUnit(ctx, result.UnitIDs[0])
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if first.RecordingID != "rec-001" || first.Language != "en" {
		t.Fatalf("unexpected unit %+v", first)
	}
	if first.CreatedAt.Format("2006-01-02") != "2026-03-01" {
		t.Fatalf("created_at not honored: %v", first.CreatedAt)
	}
	candidates, err := st.ListCandidates(ctx, first.ID)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	var flagged bool
	for _, c := range candidates {
		if c.Annotations.Has(annotation.FlagNoise) && c.Annotations.Speaker == "s1" {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("annotations lost: %+v", candidates)
	}

	second, err := st.GetUnit(ctx, result.UnitIDs[1])
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if second.RecordingID != "rec-002" {
		t.Fatalf("recording id should default to artifact stem, got %q", second.RecordingID)
	}
}

func TestApplyJSONFixture(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	body := `{"units":[{"recording_id":"r","duration_seconds":1.5,"artifact_path":"/tmp/r.wav",
"candidates":[{"submitter":"a","text":"hi","annotations":{"extra":{"k":"v"}}}]}]}`
	fx, err := ingest.Decode(strings.NewReader(body), ingest.FormatJSON)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	result, err := ingest.Apply(context.Background(), st, fx, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Units != 1 || result.Candidates != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestApplyValidatesBeforeWriting(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	fx := ingest.Fixture{Units: []ingest.Unit{
		{RecordingID: "ok", DurationSeconds: 1, ArtifactPath: "/tmp/ok.wav",
			Candidates: []ingest.Candidate{{Submitter: "a", Text: "fine"}}},
		{RecordingID: "bad", DurationSeconds: 0, ArtifactPath: "/tmp/bad.wav"},
		{RecordingID: "flags", DurationSeconds: 1, ArtifactPath: "/tmp/f.wav",
			Candidates: []ingest.Candidate{{Text: "x", Annotations: map[string]any{"flags": []any{"sparkles"}}}}},
		{RecordingID: "lang", DurationSeconds: 1, ArtifactPath: "/tmp/l.wav", Language: "elvish-ish"},
	}}
	_, err := ingest.Apply(ctx, st, fx, logging.NewNop())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "units[1]") || !strings.Contains(err.Error(), "units[2]") || !strings.Contains(err.Error(), "units[3]") {
		t.Fatalf("error should name every invalid unit: %v", err)
	}

	stats, err := st.Stats(ctx, 3)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Units != 0 {
		t.Fatalf("expected nothing written, got %d units", stats.Units)
	}
}

func TestApplyRejectsEmptyFixture(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	if _, err := ingest.Apply(context.Background(), st, ingest.Fixture{}, nil); err == nil {
		t.Fatal("expected empty fixture to fail")
	}
}
