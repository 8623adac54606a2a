package main

import (
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/temscope/eventgw/internal/ws"
)

var (
	colorRead    = lipgloss.Color("#22c55e")
	colorWrite   = lipgloss.Color("#d97706")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorHealthy = lipgloss.Color("#22c55e")
	colorDanger  = lipgloss.Color("#dc2626")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBright)
	timeStyle  = lipgloss.NewStyle().Foreground(colorDimmed)
	kindStyle  = lipgloss.NewStyle().Bold(true).Width(4)
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(colorDanger)
)

func kindColor(k ws.EventKind) lipgloss.Color {
	switch k {
	case ws.KindRead:
		return colorRead
	case ws.KindWrite:
		return colorWrite
	default:
		return colorDimmed
	}
}

// eventLine renders "15:04:05.000 GET  stage_position".
func eventLine(at time.Time, ev ws.Event) string {
	return timeStyle.Render(at.Format("15:04:05.000")) + " " +
		kindStyle.Foreground(kindColor(ev.Kind)).Render(string(ev.Kind)) + " " +
		ev.Subject
}

// replyLine renders a non-event frame, such as an echo reply.
func replyLine(at time.Time, text string) string {
	return timeStyle.Render(at.Format("15:04:05.000")) + " " +
		kindStyle.Foreground(colorDimmed).Render("<<") + " " + text
}

func statusLine(connected bool, url string) string {
	if connected {
		return lipgloss.NewStyle().Foreground(colorHealthy).Render("● connected") + " " + timeStyle.Render(url)
	}
	return lipgloss.NewStyle().Foreground(colorDanger).Render("○ disconnected") + " " + timeStyle.Render(url)
}
