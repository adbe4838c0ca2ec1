// Package ui renders the painter's terminal output.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"mural/engine"
)

// Palette — muted, dark-terminal friendly.
var (
	green  = lipgloss.Color("76")
	yellow = lipgloss.Color("214")
	red    = lipgloss.Color("204")
	dim    = lipgloss.Color("243")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(green)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
)

const barWidth = 30

// Progress renders a single status line, rewritten in place on a
// terminal and appended plainly otherwise.
type Progress struct {
	out         *termenv.Output
	interactive bool
}

func NewProgress() *Progress {
	out := termenv.NewOutput(os.Stdout)
	interactive := out.TTY() != nil
	if interactive {
		lipgloss.SetColorProfile(termenv.ColorProfile())
	} else {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	return &Progress{out: out, interactive: interactive}
}

// Render draws one snapshot of painting progress.
func (p *Progress) Render(s engine.Status) {
	total, mismatch := 0, 0
	for _, t := range s.Targets {
		total += t.Size
		mismatch += t.Mismatch
	}
	line := p.line(s, total, mismatch)
	if p.interactive {
		p.out.ClearLine()
		fmt.Fprint(p.out, "\r"+line)
		return
	}
	fmt.Fprintln(p.out, line)
}

func (p *Progress) line(s engine.Status, total, mismatch int) string {
	done := total - mismatch
	ratio := 1.0
	if total > 0 {
		ratio = float64(done) / float64(total)
	}

	filled := int(ratio * barWidth)
	bar := successStyle.Render(strings.Repeat("▰", filled)) +
		mutedStyle.Render(strings.Repeat("▱", barWidth-filled))

	idents := fmt.Sprintf("idents %d/%d", s.Eligible, s.Valid)
	if s.Eligible == 0 {
		idents = warnStyle.Render(idents)
	}
	link := successStyle.Render("online")
	if !s.Connected {
		link = errorStyle.Render("offline")
	}

	return fmt.Sprintf("%s %5.1f%%  %s  painted %d  %s  drift %d",
		bar, ratio*100, link, s.Painted, idents, mismatch)
}

// Close finishes the rewritten line so the shell prompt starts clean.
func (p *Progress) Close() {
	if p.interactive {
		fmt.Fprintln(p.out)
	}
}
