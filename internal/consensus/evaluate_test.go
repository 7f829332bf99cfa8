package consensus_test

import (
	"math"
	"strings"
	"testing"

	"chorus/internal/annotation"
	"chorus/internal/config"
	"chorus/internal/consensus"
)

func defaultThresholds() consensus.Thresholds {
	return consensus.ThresholdsFromConfig(config.Default().Consensus)
}

func inputs(texts ...string) []consensus.Input {
	out := make([]consensus.Input, len(texts))
	for i, text := range texts {
		out[i] = consensus.Input{ID: int64(i + 1), Text: text}
	}
	return out
}

func TestEvaluateAgreeingCandidates(t *testing.T) {
	res := consensus.Evaluate(inputs("The cat sat.", "The cat sat.", "The cat sit."), defaultThresholds())

	if res.ConsensusText != "The cat sat." || res.ConsensusCandidateID != 1 {
		t.Fatalf("unexpected consensus %d %q", res.ConsensusCandidateID, res.ConsensusText)
	}
	if res.Confidence <= 0.8 {
		t.Fatalf("expected confidence above 0.8, got %.3f", res.Confidence)
	}
	if res.RequiresReview {
		t.Fatalf("expected no review, reasons=%v", res.Reasons)
	}
	if res.ReadyForExport {
		t.Fatal("three candidates are below the export-grade minimum")
	}
	if math.Abs(res.Matrix[0][2]-11.0/12.0) > 1e-9 {
		t.Fatalf("unexpected similarity %.4f", res.Matrix[0][2])
	}
	for _, c := range res.Candidates {
		if !c.IsValidated {
			t.Fatalf("candidate %d should be validated", c.ID)
		}
		if c.IsConsensus != (c.ID == 1) {
			t.Fatalf("candidate %d consensus flag %v", c.ID, c.IsConsensus)
		}
	}
}

func TestEvaluateDisagreeingCandidates(t *testing.T) {
	res := consensus.Evaluate(inputs(
		"This is a test sentence.",
		"Completely different text here.",
		"Another unrelated transcription.",
	), defaultThresholds())

	if !res.RequiresReview {
		t.Fatal("expected review for unrelated texts")
	}
	found := false
	for _, reason := range res.Reasons {
		if strings.Contains(reason, "similarity") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a similarity reason, got %v", res.Reasons)
	}
	for _, c := range res.Candidates {
		if c.IsValidated {
			t.Fatalf("candidate %d must not be validated", c.ID)
		}
	}
}

func TestEvaluateExportGrade(t *testing.T) {
	text := "The quick brown fox jumps."
	res := consensus.Evaluate(inputs(text, text, text, text, text), defaultThresholds())
	if !res.ReadyForExport || res.RequiresReview {
		t.Fatalf("expected export-ready, got ready=%v review=%v reasons=%v", res.ReadyForExport, res.RequiresReview, res.Reasons)
	}
	if math.Abs(res.QualityScore-1) > 1e-9 {
		t.Fatalf("expected perfect score, got %.3f", res.QualityScore)
	}
}

func TestEvaluateReasons(t *testing.T) {
	tests := []struct {
		name  string
		input []consensus.Input
		want  string
	}{
		{name: "single candidate", input: inputs("Only one transcription."), want: "at least 2 required"},
		{name: "too short", input: inputs("hi", "hi"), want: "text length"},
		{name: "too long", input: inputs(strings.Repeat("a", 501), strings.Repeat("a", 501)), want: "text length"},
		{name: "length spread", input: inputs("Short text here", "Short text here with a much longer tail"), want: "length difference"},
		{name: "empty", input: nil, want: "no candidate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := consensus.Evaluate(tt.input, defaultThresholds())
			if !res.RequiresReview || res.ReadyForExport {
				t.Fatalf("expected review, got ready=%v review=%v", res.ReadyForExport, res.RequiresReview)
			}
			if !strings.Contains(strings.Join(res.Reasons, "|"), tt.want) {
				t.Fatalf("expected reason containing %q, got %v", tt.want, res.Reasons)
			}
		})
	}
}

func TestEvaluateTieBreaksOnLowestID(t *testing.T) {
	res := consensus.Evaluate([]consensus.Input{
		{ID: 4, Text: "Same words here."},
		{ID: 9, Text: "Same words here."},
	}, defaultThresholds())
	if res.ConsensusCandidateID != 4 {
		t.Fatalf("expected lowest id to win tie, got %d", res.ConsensusCandidateID)
	}
}

func TestEvaluateUsesQualityInSelection(t *testing.T) {
	res := consensus.Evaluate([]consensus.Input{
		{ID: 1, Text: "Hello there friend.", Annotations: annotation.Set{Flags: []annotation.Flag{annotation.FlagNoise, annotation.FlagUnclear}}},
		{ID: 2, Text: "Hello there friend."},
	}, defaultThresholds())
	if res.ConsensusCandidateID != 2 {
		t.Fatalf("expected flagged candidate to lose, got %d", res.ConsensusCandidateID)
	}
	if math.Abs(res.Candidates[0].Quality-0.8) > 1e-9 {
		t.Fatalf("expected flag penalty, got %.3f", res.Candidates[0].Quality)
	}
}

func TestNormalizeAndSimilarity(t *testing.T) {
	if got := consensus.Normalize("  The\tCAT   sat. "); got != "the cat sat." {
		t.Fatalf("Normalize = %q", got)
	}
	if sim := consensus.Similarity("cafe\u0301", "CAFÉ"); sim != 1 {
		t.Fatalf("expected composed and decomposed forms to match, got %.3f", sim)
	}
	if sim := consensus.Similarity("abcd", "wxyz"); sim != 0 {
		t.Fatalf("expected zero similarity, got %.3f", sim)
	}
}
