package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
)

func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

func statusColor(status execution.OverallStatus) (string, color.Attribute) {
	switch status {
	case execution.RunComplete:
		return "✓", color.FgGreen
	case execution.RunPartialSuccess:
		return "⚠", color.FgYellow
	default:
		return "✗", color.FgRed
	}
}

func outcomeColor(status execution.OutcomeStatus) color.Attribute {
	switch status {
	case execution.StatusSuccess:
		return color.FgGreen
	case execution.StatusTimedOut:
		return color.FgYellow
	default:
		return color.FgRed
	}
}
