// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders AleutianFlow CLI output: validation reports, run
// results, run lists, the plugin catalogue and checkpoints.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // titles
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconRunning Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	case IconRunning:
		return Styles.Subtitle.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes CLI output in one Mode.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter returns a Printer writing to w. An empty mode means plain.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if mode == "" {
		mode = ModePlain
	}
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

// JSON writes v as indented JSON.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Title prints a styled title. Plain and JSON output skip it.
func (p *Printer) Title(text string) {
	if p.mode != ModeStyled {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	p.status("OK", IconSuccess, Styles.Success, text)
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	p.status("WARN", IconWarning, Styles.Warning, text)
}

// Error prints an error message
func (p *Printer) Error(text string) {
	p.status("ERROR", IconError, Styles.Error, text)
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	switch p.mode {
	case ModeStyled:
		fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
	case ModeJSON:
		_ = p.JSON(map[string]string{"level": "info", "message": text})
	default:
		fmt.Fprintln(p.w, text)
	}
}

func (p *Printer) status(label string, icon Icon, style lipgloss.Style, text string) {
	switch p.mode {
	case ModeStyled:
		fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
	case ModeJSON:
		_ = p.JSON(map[string]string{"level": strings.ToLower(label), "message": text})
	default:
		fmt.Fprintf(p.w, "%s: %s\n", label, text)
	}
}

// row prints one table row: fixed-width cells when styled, tab-separated
// otherwise. The last cell is never padded.
func (p *Printer) row(widths []int, cells ...string) {
	if p.mode != ModeStyled {
		fmt.Fprintln(p.w, strings.Join(cells, "\t"))
		return
	}
	var b strings.Builder
	for i, c := range cells {
		if i < len(widths) && i < len(cells)-1 {
			b.WriteString(lipgloss.NewStyle().Width(widths[i]).Render(c))
			b.WriteByte(' ')
			continue
		}
		b.WriteString(c)
	}
	fmt.Fprintln(p.w, strings.TrimRight(b.String(), " "))
}

func (p *Printer) header(widths []int, cells ...string) {
	if p.mode != ModeStyled {
		p.row(widths, cells...)
		return
	}
	styled := make([]string, len(cells))
	for i, c := range cells {
		styled[i] = Styles.Muted.Render(strings.ToUpper(c))
	}
	p.row(widths, styled...)
}
