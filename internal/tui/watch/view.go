package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func (m *Model) View() string {
	width := m.width
	if width < 40 {
		width = 80
	}

	header := m.renderHeader(width)
	builds := m.theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Header.Render(" Builds"),
			m.buildTable.View(),
		),
	)
	logView := m.renderEventLog(width)

	footer := m.theme.Dim.Render("  q quit · ↑/↓ select")
	if m.lastError != "" {
		footer = m.theme.StatusFailed.Render("  " + m.lastError)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, builds, logView, footer)
}

func (m *Model) renderHeader(width int) string {
	innerWidth := width - 4

	statusText := m.theme.StatusOK.Render("CONNECTED")
	if !m.connected {
		statusText = m.theme.StatusFailed.Render("CONNECTING")
	}

	uptime := formatDuration(time.Duration(m.health.UptimeSeconds) * time.Second)
	clock := m.theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := " BUILDTAP WATCH"

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Queue: %d  In-flight: %d  Done: %d  Dropped: %d",
		statusText, uptime,
		m.health.QueueDepth, m.health.InFlight,
		m.health.Completed, m.health.Dropped,
	)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine)
	return m.theme.Border.Width(innerWidth).Render(content)
}

func (m *Model) renderEventLog(width int) string {
	const logLines = 8
	lines := make([]string, 0, logLines+1)
	lines = append(lines, m.theme.Header.Render(" Activity"))

	start := len(m.eventLog) - logLines
	if start < 0 {
		start = 0
	}
	for _, ev := range m.eventLog[start:] {
		line := fmt.Sprintf(" %s  %-16s %s",
			m.theme.Dim.Render(ev.At.Format("15:04:05")),
			ev.Type,
			m.theme.Dim.Render(truncate(string(ev.Data), width-32)),
		)
		lines = append(lines, line)
	}

	return m.theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, lines...),
	)
}

func truncate(s string, max int) string {
	if max < 8 {
		max = 8
	}
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
