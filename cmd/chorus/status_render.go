package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

type kindStyle struct {
	label string
	color text.Colors
}

var kindStyles = map[statusKind]kindStyle{
	statusInfo:  {"INFO", text.Colors{text.FgBlue}},
	statusOK:    {"OK", text.Colors{text.FgGreen}},
	statusWarn:  {"WARN", text.Colors{text.FgYellow}},
	statusError: {"ERROR", text.Colors{text.FgRed, text.Bold}},
}

const (
	statusLabelWidth = 18
	statusIndent     = "  "
)

func styleFor(kind statusKind) kindStyle {
	if style, ok := kindStyles[kind]; ok {
		return style
	}
	return kindStyles[statusInfo]
}

// renderStatusLine renders "  Label:   [KIND] message", colored per kind.
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	style := styleFor(kind)
	line := fmt.Sprintf("%s%-*s [%s]", statusIndent, statusLabelWidth, label+":", style.label)
	if message != "" {
		line += " " + message
	}
	if colorize {
		return style.color.Sprint(line)
	}
	return line
}

func renderSectionHeader(title string, colorize bool) []string {
	line := "== " + strings.TrimSpace(title) + " =="
	lines := []string{line, strings.Repeat("-", len(line))}
	if colorize {
		header := text.Colors{text.FgBlue, text.Bold}
		for i := range lines {
			lines[i] = header.Sprint(lines[i])
		}
	}
	return lines
}

// quotaKind maps a quota level onto a display severity.
func quotaKind(level string) statusKind {
	switch level {
	case "ok":
		return statusOK
	case "warning":
		return statusWarn
	case "critical", "exceeded":
		return statusError
	default:
		return statusInfo
	}
}

// severityKind maps an alert severity onto a display severity.
func severityKind(severity string) statusKind {
	switch severity {
	case "critical":
		return statusError
	case "warning":
		return statusWarn
	default:
		return statusInfo
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
