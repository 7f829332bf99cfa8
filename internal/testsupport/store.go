package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"chorus/internal/config"
	"chorus/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// UnitSpec describes a unit seeded for tests.
type UnitSpec struct {
	Duration float64
	Language string
	Texts    []string
	// ArtifactBytes is the size of the generated artifact file; negative skips
	// creating the file.
	ArtifactBytes int64
}

// SeedUnit creates an artifact file, a unit, and one candidate per text.
func SeedUnit(t testing.TB, st *store.Store, cfg *config.Config, spec UnitSpec) *store.Unit {
	t.Helper()

	ctx := context.Background()
	dir := filepath.Join(BaseDir(cfg), "audio")
	seq := nextSeq()
	path := filepath.Join(dir, fmt.Sprintf("segment-%04d.wav", seq))
	if spec.ArtifactBytes >= 0 {
		WriteArtifact(t, path, spec.ArtifactBytes)
	}
	duration := spec.Duration
	if duration == 0 {
		duration = 4
	}
	unit, err := st.CreateUnit(ctx, &store.Unit{
		RecordingID:     fmt.Sprintf("rec-%d", seq),
		DurationSeconds: duration,
		Language:        spec.Language,
		ArtifactPath:    path,
	})
	if err != nil {
		t.Fatalf("store.CreateUnit: %v", err)
	}
	for i, text := range spec.Texts {
		if _, err := st.AddCandidate(ctx, &store.Candidate{
			UnitID:      unit.ID,
			SubmitterID: fmt.Sprintf("user-%d", i+1),
			Text:        text,
		}); err != nil {
			t.Fatalf("store.AddCandidate: %v", err)
		}
	}
	refreshed, err := st.GetUnit(ctx, unit.ID)
	if err != nil || refreshed == nil {
		t.Fatalf("store.GetUnit: %v", err)
	}
	return refreshed
}

// SeedReadyUnit seeds a unit with one candidate and marks it ready for export
// with that candidate as consensus.
func SeedReadyUnit(t testing.TB, st *store.Store, cfg *config.Config, spec UnitSpec) *store.Unit {
	t.Helper()

	if len(spec.Texts) == 0 {
		spec.Texts = []string{"ready transcription"}
	}
	unit := SeedUnit(t, st, cfg, spec)
	ctx := context.Background()
	candidates, err := st.ListCandidates(ctx, unit.ID)
	if err != nil || len(candidates) == 0 {
		t.Fatalf("store.ListCandidates: %v", err)
	}
	consensusID := candidates[0].ID
	scores := make([]store.CandidateScore, 0, len(candidates))
	for _, c := range candidates {
		scores = append(scores, store.CandidateScore{
			ID:          c.ID,
			Quality:     0.95,
			Confidence:  0.95,
			IsConsensus: c.ID == consensusID,
			IsValidated: true,
		})
	}
	if _, err := st.ApplyConsensus(ctx, store.ConsensusUpdate{
		UnitID:               unit.ID,
		ConsensusCandidateID: &consensusID,
		Quality:              0.95,
		ReadyForExport:       true,
		Candidates:           scores,
	}); err != nil {
		t.Fatalf("store.ApplyConsensus: %v", err)
	}
	refreshed, err := st.GetUnit(ctx, unit.ID)
	if err != nil || refreshed == nil {
		t.Fatalf("store.GetUnit: %v", err)
	}
	return refreshed
}
