package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// Status lines go to stderr so stdout stays scriptable.

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stateColor picks a color for a session or request state.
func stateColor(state string) string {
	switch strings.ToUpper(state) {
	case "WORKING", "ANSWERED":
		return colorGreen
	case "WAITING_FOR_INPUT", "PENDING":
		return colorYellow
	case "ERROR":
		return colorRed
	case "DONE", "DISMISSED":
		return colorCyan
	default:
		return colorBold
	}
}

// padState pads before colorizing so escape codes do not skew columns.
func padState(state string, width int) string {
	return colorize(stateColor(state), fmt.Sprintf("%-*s", width, state))
}
