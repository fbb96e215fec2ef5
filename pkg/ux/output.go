// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output for the folio CLI.
//
// Styling is applied only when the destination is a terminal. Piped output
// is plain text so it can be consumed by scripts.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette - deep ocean teals
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Label:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled or plain lines to one destination.
//
// # Thread Safety
//
// Not safe for concurrent use; the CLI writes from one goroutine.
type Printer struct {
	out    io.Writer
	styled bool
}

// NewPrinter styles output only when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{out: w, styled: IsTerminal(w)}
}

// NewPlainPrinter never styles, for --plain and tests.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{out: w}
}

// IsTerminal reports whether w is an *os.File attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Styled reports whether the printer emits ANSI styling.
func (p *Printer) Styled() bool { return p.styled }

func (p *Printer) render(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

// Token writes streamed answer text as-is, with no newline.
func (p *Printer) Token(text string) {
	fmt.Fprint(p.out, text)
}

// Title prints a heading line.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Title, text))
}

// Field prints "label: value".
func (p *Printer) Field(label, value string) {
	fmt.Fprintf(p.out, "%s %s\n", p.render(Styles.Label, label+":"), value)
}

// Muted prints a de-emphasized line.
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Muted, text))
}

// Success prints a line prefixed with a check mark.
func (p *Printer) Success(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Success, string(IconSuccess)+" "+text))
}

// Warning prints a line prefixed with a warning sign.
func (p *Printer) Warning(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Warning, string(IconWarning)+" "+text))
}

// Error prints a line prefixed with a cross.
func (p *Printer) Error(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Error, string(IconError)+" "+text))
}

// Box prints text in a rounded border when styled, plain otherwise.
func (p *Printer) Box(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Box, text))
}
