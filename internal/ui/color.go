// Package ui provides terminal styling helpers for the CLI.
package ui

import (
	"github.com/fatih/color"
)

// Color functions for styled output.
var (
	// Success is used for posted items and passing checks (green).
	Success = color.New(color.FgGreen).SprintFunc()
	// Failure is used for errors and failed items (red).
	Failure = color.New(color.FgRed).SprintFunc()
	// Warning is used for skipped items and degraded behavior (yellow).
	Warning = color.New(color.FgYellow).SprintFunc()
	// Info is used for informational values (cyan).
	Info = color.New(color.FgCyan).SprintFunc()
	// Bold is used for emphasis.
	Bold = color.New(color.Bold).SprintFunc()
	// Dim is used for secondary detail (faint).
	Dim = color.New(color.Faint).SprintFunc()
)

// Status symbols.
const (
	SymbolSuccess = "✓"
	SymbolFailure = "✗"
	SymbolWarning = "⚠"
	SymbolSkipped = "-"
)

// StatusSuccess returns a green checkmark with optional message.
func StatusSuccess(msg string) string {
	if msg == "" {
		return Success(SymbolSuccess)
	}
	return Success(SymbolSuccess) + " " + msg
}

// StatusFailure returns a red cross with optional message.
func StatusFailure(msg string) string {
	if msg == "" {
		return Failure(SymbolFailure)
	}
	return Failure(SymbolFailure) + " " + msg
}

// StatusWarning returns a yellow warning with optional message.
func StatusWarning(msg string) string {
	if msg == "" {
		return Warning(SymbolWarning)
	}
	return Warning(SymbolWarning) + " " + msg
}

// StatusSkipped returns a dimmed skip marker with optional message.
func StatusSkipped(msg string) string {
	if msg == "" {
		return Dim(SymbolSkipped)
	}
	return Dim(SymbolSkipped) + " " + msg
}

// DisableColors turns off all color output, for piped output or
// --no-color.
func DisableColors() {
	color.NoColor = true
}
