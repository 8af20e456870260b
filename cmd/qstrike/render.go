package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/qryptonic/qstrike-stream/internal/event"
	"github.com/qryptonic/qstrike-stream/internal/stream"
	"github.com/qryptonic/qstrike-stream/internal/theme"
)

var styleJob = lipgloss.NewStyle().Bold(true)

func progressBar(pct float32, width int) string {
	filled := int(pct / 100 * float32(width))
	filled = max(0, min(width, filled))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return lipgloss.NewStyle().Foreground(theme.ProgressColor(float64(pct))).Render(bar)
}

func renderEvent(ev event.QuantumEvent) string {
	algo := lipgloss.NewStyle().Foreground(theme.AlgoColor(ev.Algo)).Render(fmt.Sprintf("%-6s", ev.Algo))
	phase := lipgloss.NewStyle().Foreground(theme.PhaseColor(ev.Phase)).Render(fmt.Sprintf("%-16s", ev.Phase))
	eta := ev.ETA().String()
	if scaled, ok := ev.ScaledETA(); ok {
		eta += theme.StyleDimmed.Render(" (scaled " + scaled.String() + ")")
	}
	return fmt.Sprintf("%s %s %s %-10s %s %s %5.1f%% q=%d/%d depth=%d fid=%.4f p=%.3f eta=%s",
		theme.StyleDimmed.Render(ev.Time().UTC().Format(time.TimeOnly)),
		styleJob.Render(ev.JobID),
		algo,
		ev.Provider,
		phase,
		progressBar(ev.ProgressPct, 20),
		ev.ProgressPct,
		ev.LogicalQubits, ev.PhysicalQubits,
		ev.CircuitDepth,
		ev.Fidelity,
		ev.PSuccess,
		eta,
	)
}

func renderDelivery(d stream.Delivery) string {
	if d.OK() {
		return renderEvent(d.Event)
	}
	var se *stream.ServerError
	if errors.As(d.Err, &se) {
		return theme.StyleWarning.Render(fmt.Sprintf("#%d server: %s", d.Seq, se.Message))
	}
	return theme.StyleWarning.Render(fmt.Sprintf("#%d dropped: %v", d.Seq, d.Err))
}

func renderState(ch stream.StateChange) string {
	line := fmt.Sprintf("%s → %s", ch.From, ch.To)
	if ch.To == stream.StateReconnecting {
		line += fmt.Sprintf(" (attempt %d in %s)", ch.Attempt, ch.Delay)
	}
	if ch.Err != nil {
		line += ": " + ch.Err.Error()
	}

	switch {
	case stream.IsAuthError(ch.Err):
		return theme.StyleDanger.Render(line)
	case ch.Err != nil:
		return theme.StyleWarning.Render(line)
	default:
		return lipgloss.NewStyle().Foreground(theme.StateColor(ch.To)).Render(line)
	}
}
