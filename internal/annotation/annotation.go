// Package annotation defines the typed extension attached to candidate
// transcriptions. Contributors may tag a candidate with a closed set of flags,
// a speaker label, a language code, free-text notes, and a bounded map of
// extra string values; anything else is rejected at ingest time by the
// embedded JSON schema.
package annotation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

// Flag is a contributor-supplied marker describing the audio or transcription.
type Flag string

const (
	FlagNoise     Flag = "noise"
	FlagOverlap   Flag = "overlap"
	FlagUnclear   Flag = "unclear"
	FlagProfanity Flag = "profanity"
	FlagForeign   Flag = "foreign"
	FlagTruncated Flag = "truncated"
)

// Set is the annotation bag stored alongside a candidate.
type Set struct {
	Flags    []Flag            `json:"flags,omitempty" yaml:"flags,omitempty"`
	Speaker  string            `json:"speaker,omitempty" yaml:"speaker,omitempty"`
	Language string            `json:"language,omitempty" yaml:"language,omitempty"`
	Notes    string            `json:"notes,omitempty" yaml:"notes,omitempty"`
	Extra    map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// IsZero reports whether the set carries no annotations.
func (s Set) IsZero() bool {
	return len(s.Flags) == 0 && s.Speaker == "" && s.Language == "" && s.Notes == "" && len(s.Extra) == 0
}

// Has reports whether flag is present.
func (s Set) Has(flag Flag) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("annotation.json", bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add annotation schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("annotation.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compile annotation schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// Validate checks raw JSON against the annotation schema.
func Validate(data []byte) error {
	sch, err := schema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode annotations: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("annotations do not match schema: %w", err)
	}
	return nil
}

// Parse validates and decodes raw JSON. Empty input yields an empty set.
func Parse(data []byte) (Set, error) {
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return Set{}, nil
	}
	if err := Validate(data); err != nil {
		return Set{}, err
	}
	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return Set{}, fmt.Errorf("decode annotations: %w", err)
	}
	return set.normalized(), nil
}

// Encode normalizes, validates, and encodes the set. An empty set encodes to
// an empty string so the column stays NULL.
func Encode(set Set) (string, error) {
	set = set.normalized()
	if set.IsZero() {
		return "", nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("encode annotations: %w", err)
	}
	if err := Validate(data); err != nil {
		return "", err
	}
	return string(data), nil
}

func (s Set) normalized() Set {
	out := Set{
		Speaker:  strings.TrimSpace(s.Speaker),
		Language: strings.ToLower(strings.TrimSpace(s.Language)),
		Notes:    strings.TrimSpace(s.Notes),
	}
	if len(s.Flags) > 0 {
		seen := make(map[Flag]struct{}, len(s.Flags))
		for _, f := range s.Flags {
			f = Flag(strings.ToLower(strings.TrimSpace(string(f))))
			if f == "" {
				continue
			}
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out.Flags = append(out.Flags, f)
		}
		sort.Slice(out.Flags, func(i, j int) bool { return out.Flags[i] < out.Flags[j] })
	}
	if len(s.Extra) > 0 {
		out.Extra = make(map[string]string, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[strings.TrimSpace(k)] = v
		}
	}
	return out
}
