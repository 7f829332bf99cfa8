package consensus

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"chorus/internal/annotation"
	"chorus/internal/config"
)

// Thresholds are the readiness limits applied to an evaluation.
type Thresholds struct {
	MinCandidates       int
	ExportMinCandidates int
	ValidationThreshold float64
	ExportThreshold     float64
	SimilarityThreshold float64
	MaxLengthDifference float64
	MinTextLength       int
	MaxTextLength       int
}

// ThresholdsFromConfig extracts thresholds from configuration.
func ThresholdsFromConfig(cfg config.Consensus) Thresholds {
	return Thresholds{
		MinCandidates:       cfg.MinCandidates,
		ExportMinCandidates: cfg.ExportMinCandidates,
		ValidationThreshold: cfg.ValidationThreshold,
		ExportThreshold:     cfg.ExportThreshold,
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxLengthDifference: cfg.MaxLengthDifference,
		MinTextLength:       cfg.MinTextLength,
		MaxTextLength:       cfg.MaxTextLength,
	}
}

// Input is one candidate as seen by the scorer.
type Input struct {
	ID          int64
	Text        string
	Quality     float64
	Annotations annotation.Set
}

// CandidateOutcome is the per-candidate result of an evaluation.
type CandidateOutcome struct {
	ID            int64
	Quality       float64
	Confidence    float64
	AvgSimilarity float64
	IsConsensus   bool
	IsValidated   bool
}

// Result is the outcome of scoring one unit's candidates.
type Result struct {
	CandidateCount       int
	ConsensusCandidateID int64
	ConsensusText        string
	QualityScore         float64
	Confidence           float64
	AvgSimilarity        float64
	AvgQuality           float64
	LengthConsistency    float64
	MaxLengthDifference  float64
	Matrix               [][]float64
	Candidates           []CandidateOutcome
	// RequiresReview is set when any basic validation condition is unmet.
	RequiresReview bool
	// ReadyForExport is set when the export-grade conditions are all met.
	ReadyForExport bool
	Reasons        []string
}

const (
	selectionSimilarityWeight = 0.7
	selectionQualityWeight    = 0.3
	scoreSimilarityWeight     = 0.6
	scoreQualityWeight        = 0.2
	scoreLengthWeight         = 0.2
	flagPenalty               = 0.1
)

// Evaluate scores candidates and decides review and export readiness.
func Evaluate(inputs []Input, th Thresholds) Result {
	res := Result{CandidateCount: len(inputs)}
	if len(inputs) == 0 {
		res.RequiresReview = true
		res.Reasons = []string{"no candidate transcriptions"}
		return res
	}

	texts := make([]string, len(inputs))
	qualities := make([]float64, len(inputs))
	lengths := make([]float64, len(inputs))
	for i, in := range inputs {
		texts[i] = in.Text
		qualities[i] = individualQuality(in)
		lengths[i] = float64(utf8.RuneCountInString(strings.TrimSpace(in.Text)))
	}
	res.Matrix = Matrix(texts)

	avgToOthers := make([]float64, len(inputs))
	for i := range inputs {
		if len(inputs) == 1 {
			avgToOthers[i] = 1
			continue
		}
		var sum float64
		for j := range inputs {
			if i != j {
				sum += res.Matrix[i][j]
			}
		}
		avgToOthers[i] = sum / float64(len(inputs)-1)
	}

	best := 0
	bestScore := -1.0
	for i := range inputs {
		score := selectionSimilarityWeight*avgToOthers[i] + selectionQualityWeight*qualities[i]
		if score > bestScore+1e-12 {
			best = i
			bestScore = score
		}
	}

	res.AvgSimilarity = pairwiseMean(res.Matrix)
	res.AvgQuality = mean(qualities)
	res.LengthConsistency = lengthConsistency(lengths)
	res.MaxLengthDifference = maxLengthDifference(lengths)
	res.QualityScore = clamp(scoreSimilarityWeight*res.AvgSimilarity +
		scoreQualityWeight*res.AvgQuality +
		scoreLengthWeight*res.LengthConsistency)
	res.Confidence = res.QualityScore
	res.ConsensusCandidateID = inputs[best].ID
	res.ConsensusText = strings.TrimSpace(inputs[best].Text)

	reasons, textsOK := basicReasons(res, lengths, th)
	res.Reasons = reasons
	res.RequiresReview = len(reasons) > 0
	res.ReadyForExport = textsOK &&
		len(inputs) >= th.ExportMinCandidates &&
		res.QualityScore >= th.ExportThreshold &&
		res.AvgSimilarity >= th.SimilarityThreshold &&
		res.MaxLengthDifference <= th.MaxLengthDifference

	res.Candidates = make([]CandidateOutcome, len(inputs))
	for i, in := range inputs {
		simToConsensus := res.Matrix[i][best]
		res.Candidates[i] = CandidateOutcome{
			ID:            in.ID,
			Quality:       qualities[i],
			Confidence:    clamp(simToConsensus * res.QualityScore),
			AvgSimilarity: avgToOthers[i],
			IsConsensus:   i == best,
			IsValidated:   !res.RequiresReview && simToConsensus >= th.SimilarityThreshold,
		}
	}
	return res
}

func basicReasons(res Result, lengths []float64, th Thresholds) ([]string, bool) {
	var reasons []string
	if res.CandidateCount < th.MinCandidates {
		reasons = append(reasons, fmt.Sprintf("only %d candidate(s), at least %d required", res.CandidateCount, th.MinCandidates))
	}
	if res.QualityScore < th.ValidationThreshold {
		reasons = append(reasons, fmt.Sprintf("quality score %.2f below threshold %.2f", res.QualityScore, th.ValidationThreshold))
	}
	if res.AvgSimilarity < th.SimilarityThreshold {
		reasons = append(reasons, fmt.Sprintf("average similarity %.2f below threshold %.2f", res.AvgSimilarity, th.SimilarityThreshold))
	}
	if res.MaxLengthDifference > th.MaxLengthDifference {
		reasons = append(reasons, fmt.Sprintf("length difference %.0f%% exceeds %.0f%%", res.MaxLengthDifference*100, th.MaxLengthDifference*100))
	}
	textsOK := true
	for _, l := range lengths {
		if int(l) < th.MinTextLength || int(l) > th.MaxTextLength {
			textsOK = false
			break
		}
	}
	if !textsOK {
		reasons = append(reasons, fmt.Sprintf("candidate text length outside %d-%d characters", th.MinTextLength, th.MaxTextLength))
	}
	return reasons, textsOK
}

// individualQuality uses the stored quality when one was supplied and
// otherwise derives one from the candidate's annotation flags.
func individualQuality(in Input) float64 {
	if in.Quality > 0 {
		return clamp(in.Quality)
	}
	q := 1.0
	for _, flag := range []annotation.Flag{annotation.FlagNoise, annotation.FlagUnclear, annotation.FlagOverlap, annotation.FlagTruncated} {
		if in.Annotations.Has(flag) {
			q -= flagPenalty
		}
	}
	return clamp(q)
}

func pairwiseMean(m [][]float64) float64 {
	if len(m) < 2 {
		return 1
	}
	var (
		sum   float64
		pairs int
	)
	for i := 0; i < len(m); i++ {
		for j := i + 1; j < len(m); j++ {
			sum += m[i][j]
			pairs++
		}
	}
	return sum / float64(pairs)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func lengthConsistency(lengths []float64) float64 {
	m := mean(lengths)
	if m == 0 {
		return 0
	}
	var variance float64
	for _, l := range lengths {
		variance += (l - m) * (l - m)
	}
	stdev := math.Sqrt(variance / float64(len(lengths)))
	return 1 - math.Min(stdev/m, 1)
}

func maxLengthDifference(lengths []float64) float64 {
	if len(lengths) == 0 {
		return 0
	}
	shortest, longest := lengths[0], lengths[0]
	for _, l := range lengths[1:] {
		shortest = math.Min(shortest, l)
		longest = math.Max(longest, l)
	}
	if longest == 0 {
		return 0
	}
	return (longest - shortest) / longest
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
