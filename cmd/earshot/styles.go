package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4"))

	subtleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#95A5A6"))

	accentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA86B"))

	finishedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#95E1D3"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B"))

	nowPlayingBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#4ECDC4")).
			Padding(0, 2)
)

// formatDuration renders milliseconds as m:ss or h:mm:ss.
func formatDuration(ms int64) string {
	if ms < 0 {
		return "--:--"
	}
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// progressBar renders a fixed-width unicode bar for a fraction in [0,1].
func progressBar(fraction float64, width int) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return accentStyle.Render(bar)
}

func renderNowPlaying(episode, podcast, speed string, position, duration int64, playing bool) string {
	state := "⏸"
	if playing {
		state = "▶"
	}

	header := titleStyle.Render(episode)
	if podcast != "" {
		header += subtleStyle.Render("  ·  " + podcast)
	}

	var fraction float64
	if duration > 0 {
		fraction = float64(position) / float64(duration)
	}

	line := fmt.Sprintf("%s %s %s / %s  %s",
		state,
		progressBar(fraction, 30),
		formatDuration(position),
		formatDuration(duration),
		subtleStyle.Render(speed),
	)

	return nowPlayingBox.Render(header + "\n" + line)
}
