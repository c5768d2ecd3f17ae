package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randalmurphal/batchrun/pkg/batchrun"
)

var (
	headerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	waitingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	limitedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	pausedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	defaultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	barFullStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4A5568"))
)

type column struct {
	title string
	width int
}

var statusColumns = []column{
	{"INST", 5},
	{"STATE", 16},
	{"PROGRESS", 30},
	{"STEP", 10},
	{"ITEM", 24},
	{"CHUNK", 6},
	{"ETA", 10},
}

const barWidth = 12

func stateStyle(p batchrun.Progress) lipgloss.Style {
	switch p.State {
	case batchrun.StateSubmitting, batchrun.StateAdvancing:
		return runningStyle
	case batchrun.StateAwaitingResult:
		return waitingStyle
	case batchrun.StateRateLimited:
		return limitedStyle
	case batchrun.StateIdle:
		return pausedStyle
	default:
		return defaultStyle
	}
}

func stateLabel(p batchrun.Progress) string {
	if !p.Active {
		return "paused"
	}
	return p.State.String()
}

func progressBar(percent float64) string {
	filled := min(max(int(percent/100*barWidth+0.5), 0), barWidth)
	return barFullStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", barWidth-filled))
}

func cell(text string, width int, style lipgloss.Style) string {
	if r := []rune(text); len(r) > width-1 {
		text = string(r[:width-2]) + "…"
	}
	return style.Width(width).Render(text)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

// renderStatus formats stored runs as a table, followed by the settings of
// the most recent start when known.
func renderStatus(runs []batchrun.Progress, last *batchrun.Settings) string {
	var b strings.Builder
	if len(runs) == 0 {
		b.WriteString(detailStyle.Render("no runs in progress"))
	} else {
		header := make([]string, len(statusColumns))
		for i, c := range statusColumns {
			header[i] = cell(c.title, c.width, headerStyle)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, header...))

		for _, p := range runs {
			counts := fmt.Sprintf(" %d/%d %3.0f%%", p.Current, p.Total, p.Percent)
			row := []string{
				cell(fmt.Sprint(p.InstanceID), statusColumns[0].width, defaultStyle),
				cell(stateLabel(p), statusColumns[1].width, stateStyle(p)),
				lipgloss.NewStyle().Width(statusColumns[2].width).Render(progressBar(p.Percent) + detailStyle.Render(counts)),
				cell(p.Step, statusColumns[3].width, defaultStyle),
				cell(p.ItemID, statusColumns[4].width, detailStyle),
				cell(fmt.Sprint(p.Chunk), statusColumns[5].width, defaultStyle),
				cell(formatETA(p.ETA), statusColumns[6].width, detailStyle),
			}
			b.WriteByte('\n')
			b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, row...))
		}
	}
	if last != nil {
		b.WriteByte('\n')
		b.WriteString(detailStyle.Render(fmt.Sprintf("last start: %d instances, prefix %q, %s",
			last.LastTotalInstances, last.LastPrefix, last.UpdatedAt.Format(time.RFC3339))))
	}
	return b.String()
}
