package consensus

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize prepares text for comparison: NFC composition, Unicode case
// folding, and whitespace collapsed to single spaces.
func Normalize(text string) string {
	text = folder.String(norm.NFC.String(text))
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.TrimSpace(text) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Similarity returns the normalized edit-distance ratio of a and b in [0,1].
func Similarity(a, b string) float64 {
	return levenshtein.Similarity(Normalize(a), Normalize(b), nil)
}

// Matrix returns the symmetric pairwise similarity matrix for texts.
func Matrix(texts []string) [][]float64 {
	normalized := make([]string, len(texts))
	for i, text := range texts {
		normalized[i] = Normalize(text)
	}
	m := make([][]float64, len(texts))
	for i := range m {
		m[i] = make([]float64, len(texts))
		m[i][i] = 1
	}
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			sim := levenshtein.Similarity(normalized[i], normalized[j], nil)
			m[i][j] = sim
			m[j][i] = sim
		}
	}
	return m
}
