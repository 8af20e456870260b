// Package theme provides the Lip Gloss palette and reusable styles used by
// the qstrike CLI line renderer. It imports nothing internal except the
// event and stream vocabularies.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/qryptonic/qstrike-stream/internal/event"
	"github.com/qryptonic/qstrike-stream/internal/stream"
)

// Algorithm colors.
var (
	ColorShor    = lipgloss.Color("#a855f7")
	ColorGrover  = lipgloss.Color("#3b82f6")
	ColorECC     = lipgloss.Color("#06b6d4")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// Phase colors.
var (
	ColorQueued    = lipgloss.Color("#4b5563")
	ColorCompiling = lipgloss.Color("#7c3aed")
	ColorExecuting = lipgloss.Color("#2563eb")
	ColorPost      = lipgloss.Color("#d97706")
	ColorComplete  = lipgloss.Color("#16a34a")
	ColorFailed    = lipgloss.Color("#dc2626")
)

// Progress bar thresholds.
var (
	ColorProgressLow  = lipgloss.Color("#d97706") // <50%
	ColorProgressMid  = lipgloss.Color("#3b82f6") // 50-99%
	ColorProgressDone = lipgloss.Color("#22c55e")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

func AlgoColor(a event.Algo) lipgloss.Color {
	switch a {
	case event.AlgoShor:
		return ColorShor
	case event.AlgoGrover:
		return ColorGrover
	case event.AlgoECC:
		return ColorECC
	default:
		return ColorDefault
	}
}

// PhaseColor returns the color for a job phase name.
func PhaseColor(phase string) lipgloss.Color {
	switch phase {
	case "queued":
		return ColorQueued
	case "compiling", "error-correction":
		return ColorCompiling
	case "executing":
		return ColorExecuting
	case "post-processing":
		return ColorPost
	case "complete":
		return ColorComplete
	case "failed":
		return ColorFailed
	default:
		return ColorDefault
	}
}

// PhaseGlyph returns a Unicode glyph for a job phase.
func PhaseGlyph(phase string) string {
	switch phase {
	case "queued":
		return "○"
	case "compiling", "error-correction":
		return "◎"
	case "executing":
		return "●>"
	case "post-processing":
		return "⚙>"
	case "complete":
		return "✓"
	case "failed":
		return "✗"
	default:
		return "·"
	}
}

func ProgressColor(pct float64) lipgloss.Color {
	switch {
	case pct >= 100:
		return ColorProgressDone
	case pct >= 50:
		return ColorProgressMid
	default:
		return ColorProgressLow
	}
}

// StateColor returns the color for a connection state.
func StateColor(s stream.State) lipgloss.Color {
	switch s {
	case stream.StateOpen:
		return ColorHealthy
	case stream.StateAwaitingPong, stream.StateConnecting, stream.StateReconnecting:
		return ColorWarning
	case stream.StateClosing, stream.StateClosed:
		return ColorDimmed
	default:
		return ColorDefault
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleWarning = lipgloss.NewStyle().
		Foreground(ColorWarning)

	StyleDanger = lipgloss.NewStyle().
		Foreground(ColorDanger).
		Bold(true)

	StyleHealthy = lipgloss.NewStyle().
		Foreground(ColorHealthy)
)
