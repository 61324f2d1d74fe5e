package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/manpreetbhatti/copypaste/internal/engine"
	"github.com/manpreetbhatti/copypaste/internal/feed"
	"github.com/manpreetbhatti/copypaste/internal/store"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	labelStyle = lipgloss.NewStyle().Bold(true)
)

func phaseStyle(p feed.Phase) lipgloss.Style {
	switch p {
	case feed.PhaseConnected:
		return okStyle
	case feed.PhaseConnecting:
		return warnStyle
	default:
		return errStyle
	}
}

// renderStatus is the one-line footer shown under a live room.
func renderStatus(snap engine.Snapshot) string {
	line := labelStyle.Render(snap.RoomID) + " " + phaseStyle(snap.Phase).Render("● "+string(snap.Phase))
	if snap.Editing {
		line += " " + dimStyle.Render("saving…")
	}

	stats := store.ComputeStats(snap.Content)
	line += " " + dimStyle.Render(fmt.Sprintf("%d chars · %d words · %d lines", stats.Chars, stats.Words, stats.Lines))

	switch {
	case snap.Err != nil:
		line += " " + errStyle.Render(snap.Err.Error())
	case snap.SyncErr != nil:
		line += " " + warnStyle.Render("not saved: "+snap.SyncErr.Error())
	}
	return line
}

func renderStats(s store.Stats, viewers int) string {
	row := func(label string, n int) string {
		return labelStyle.Width(8).Render(label) + fmt.Sprintf("%d", n)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		row("chars", s.Chars),
		row("words", s.Words),
		row("lines", s.Lines),
		row("viewers", viewers),
	)
}
