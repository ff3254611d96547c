package main

import (
	"fmt"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

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

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// syncResult mirrors the "sync" block of mutation responses.
type syncResult struct {
	Durable bool   `json:"durable"`
	Remote  string `json:"remote"`
	Status  string `json:"status"`
	Error   string `json:"error"`
}

// printSync reports what happened to a change beyond the local cache.
func printSync(s syncResult) {
	switch s.Remote {
	case "confirmed":
		printStatus("Sync", "saved locally and remotely")
	case "skipped_offline":
		printWarning("Offline: saved locally, not yet sent to the remote store")
	case "failed":
		printWarning("Saved locally; remote save failed: %s", s.Error)
	}
}

// statusColor picks a color for a sync status label.
func statusColor(status string) string {
	switch status {
	case "synced":
		return colorGreen
	case "syncing":
		return colorCyan
	case "error":
		return colorRed
	case "offline":
		return colorYellow
	}
	return colorDim
}
