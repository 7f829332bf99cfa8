package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func (c *commandContext) validateOutput() error {
	switch c.outputFormat() {
	case outputTable, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (expected table, json or yaml)", c.flags.output)
	}
}

func (c *commandContext) outputFormat() string {
	format := strings.ToLower(strings.TrimSpace(c.flags.output))
	if format == "" {
		return outputTable
	}
	return format
}

// emit writes v in the selected machine format and reports whether it did.
// Callers render their table view when it returns false.
func (c *commandContext) emit(cmd *cobra.Command, v any) (bool, error) {
	switch c.outputFormat() {
	case outputJSON:
		return true, writeJSON(cmd, v)
	case outputYAML:
		return true, writeYAML(cmd, v)
	default:
		return false, nil
	}
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML renders v with its JSON field names. The JSON document is parsed
// as YAML so key order survives, then restyled into block form.
func writeYAML(cmd *cobra.Command, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

func blockStyle(node *yaml.Node) {
	node.Style = 0
	for _, child := range node.Content {
		blockStyle(child)
	}
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}

// formatWhen renders an RFC3339 timestamp relative to now.
func formatWhen(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return humanize.Time(t)
}

func formatPercent(ratio float64) string {
	return fmt.Sprintf("%.0f%%", ratio*100)
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
