// Package ingest loads unit and candidate fixtures from YAML or JSON files
// into the record store. It stands in for the upstream collection pipeline
// when seeding a deployment or reproducing a report.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chorus/internal/annotation"
	"chorus/internal/language"
	"chorus/internal/logging"
	"chorus/internal/store"
)

// Format selects the fixture decoder.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Fixture is the top-level document.
type Fixture struct {
	Units []Unit `yaml:"units" json:"units"`
}

// Unit describes one audio segment and its transcriptions.
type Unit struct {
	RecordingID     string      `yaml:"recording_id" json:"recording_id"`
	DurationSeconds float64     `yaml:"duration_seconds" json:"duration_seconds"`
	Language        string      `yaml:"language,omitempty" json:"language,omitempty"`
	ArtifactPath    string      `yaml:"artifact_path" json:"artifact_path"`
	CreatedAt       string      `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	Candidates      []Candidate `yaml:"candidates" json:"candidates"`
}

// Candidate is one contributor transcription.
type Candidate struct {
	Submitter   string         `yaml:"submitter" json:"submitter"`
	Text        string         `yaml:"text" json:"text"`
	Annotations map[string]any `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// Result summarizes an ingest run.
type Result struct {
	Units      int     `json:"units" yaml:"units"`
	Candidates int     `json:"candidates" yaml:"candidates"`
	UnitIDs    []int64 `json:"unit_ids" yaml:"unit_ids"`
}

// FormatFromPath infers the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported fixture extension %q (expected .yaml, .yml or .json)", filepath.Ext(path))
	}
}

// Decode reads a fixture. Unknown fields are rejected.
func Decode(r io.Reader, format Format) (Fixture, error) {
	var fx Fixture
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
			return Fixture{}, fmt.Errorf("decode yaml fixture: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
			return Fixture{}, fmt.Errorf("decode json fixture: %w", err)
		}
	default:
		return Fixture{}, fmt.Errorf("unsupported fixture format %q", format)
	}
	return fx, nil
}

// LoadFile decodes path and resolves relative artifact paths against the
// fixture's directory.
func LoadFile(path string) (Fixture, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Fixture{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	fx, err := Decode(f, format)
	if err != nil {
		return Fixture{}, err
	}
	base := filepath.Dir(path)
	for i := range fx.Units {
		p := strings.TrimSpace(fx.Units[i].ArtifactPath)
		if p != "" && !filepath.IsAbs(p) {
			fx.Units[i].ArtifactPath = filepath.Join(base, p)
		}
	}
	return fx, nil
}

type prepared struct {
	unit       *store.Unit
	candidates []*store.Candidate
}

// Validate checks every entry without touching the store.
func Validate(fx Fixture) error {
	_, err := prepareAll(fx)
	return err
}

// Apply validates every entry first and then writes units and candidates.
// Nothing is written when validation fails.
func Apply(ctx context.Context, st *store.Store, fx Fixture, logger *slog.Logger) (Result, error) {
	logger = logging.NewComponentLogger(logger, "ingest")
	batch, err := prepareAll(fx)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, p := range batch {
		unit, err := st.CreateUnit(ctx, p.unit)
		if err != nil {
			return result, fmt.Errorf("create unit %s: %w", p.unit.RecordingID, err)
		}
		for _, c := range p.candidates {
			c.UnitID = unit.ID
			if _, err := st.AddCandidate(ctx, c); err != nil {
				return result, fmt.Errorf("add candidate for unit %d: %w", unit.ID, err)
			}
			result.Candidates++
		}
		result.Units++
		result.UnitIDs = append(result.UnitIDs, unit.ID)
	}
	logger.Info("fixture ingested",
		logging.Int("units", result.Units),
		logging.Int("candidates", result.Candidates),
	)
	return result, nil
}

func prepareAll(fx Fixture) ([]prepared, error) {
	if len(fx.Units) == 0 {
		return nil, errors.New("fixture contains no units")
	}
	batch := make([]prepared, 0, len(fx.Units))
	var problems []string
	for i, u := range fx.Units {
		p, err := prepare(u)
		if err != nil {
			problems = append(problems, fmt.Sprintf("units[%d]: %v", i, err))
			continue
		}
		batch = append(batch, p)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid fixture: %s", strings.Join(problems, "; "))
	}
	return batch, nil
}

func prepare(u Unit) (prepared, error) {
	path := strings.TrimSpace(u.ArtifactPath)
	if path == "" {
		return prepared{}, errors.New("artifact_path is required")
	}
	if u.DurationSeconds <= 0 {
		return prepared{}, fmt.Errorf("duration_seconds must be positive, got %v", u.DurationSeconds)
	}
	unit := &store.Unit{
		RecordingID:     strings.TrimSpace(u.RecordingID),
		DurationSeconds: u.DurationSeconds,
		ArtifactPath:    path,
	}
	if raw := strings.TrimSpace(u.Language); raw != "" {
		unit.Language = language.Normalize(raw)
		if unit.Language == "" {
			return prepared{}, fmt.Errorf("unknown language %q", raw)
		}
	}
	if unit.RecordingID == "" {
		unit.RecordingID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if v := strings.TrimSpace(u.CreatedAt); v != "" {
		created, err := parseTime(v)
		if err != nil {
			return prepared{}, err
		}
		unit.CreatedAt = created
	}

	out := prepared{unit: unit}
	for j, c := range u.Candidates {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			return prepared{}, fmt.Errorf("candidates[%d]: text is required", j)
		}
		set, err := decodeAnnotations(c.Annotations)
		if err != nil {
			return prepared{}, fmt.Errorf("candidates[%d]: %w", j, err)
		}
		out.candidates = append(out.candidates, &store.Candidate{
			SubmitterID: strings.TrimSpace(c.Submitter),
			Text:        text,
			Annotations: set,
		})
	}
	return out, nil
}

// decodeAnnotations round-trips the loosely typed map through JSON so the
// schema sees the same document regardless of the fixture format.
func decodeAnnotations(raw map[string]any) (annotation.Set, error) {
	if len(raw) == 0 {
		return annotation.Set{}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return annotation.Set{}, fmt.Errorf("encode annotations: %w", err)
	}
	return annotation.Parse(data)
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("created_at %q: expected RFC3339 or YYYY-MM-DD", value)
	}
	return t, nil
}
