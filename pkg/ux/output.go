// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the Sentinel CLI.
//
// Output is styled only when it goes to an interactive terminal and
// NO_COLOR is unset. Piped output is plain so scripts can parse it.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Header  lipgloss.Style
	Border  lipgloss.Style

	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Label:   lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright).Padding(0, 1),
	Border:  lipgloss.NewStyle().Foreground(ColorTealDeep),

	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Level classifies a line of output.
type Level int

const (
	LevelPending Level = iota
	LevelOK
	LevelWarning
	LevelError
)

// Icon provides themed status icons.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// IconFor returns the icon for level.
func IconFor(l Level) Icon {
	switch l {
	case LevelOK:
		return IconSuccess
	case LevelWarning:
		return IconWarning
	case LevelError:
		return IconError
	default:
		return IconPending
	}
}

func styleFor(l Level) lipgloss.Style {
	switch l {
	case LevelOK:
		return Styles.Success
	case LevelWarning:
		return Styles.Warning
	case LevelError:
		return Styles.Error
	default:
		return Styles.Muted
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled or plain output.
type Printer struct {
	w      io.Writer
	styled bool
}

// NewPrinter returns a Printer for w. Styling is enabled when w is a
// terminal and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, styled: IsTerminal(w) && os.Getenv("NO_COLOR") == ""}
}

// NewPlainPrinter returns a Printer that never styles.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Styled reports whether output is styled.
func (p *Printer) Styled() bool {
	return p.styled
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

// Paint renders text in level's color.
func (p *Printer) Paint(l Level, text string) string {
	return p.render(styleFor(l), text)
}

// Indicator renders level's icon.
func (p *Printer) Indicator(l Level) string {
	return p.Paint(l, string(IconFor(l)))
}

// Title prints a heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, p.render(Styles.Title, text))
}

// Field prints an aligned "label: value" line.
func (p *Printer) Field(label, value string) {
	fmt.Fprintf(p.w, "  %s %s\n", p.render(Styles.Label, fmt.Sprintf("%-16s", label+":")), value)
}

// Line prints text as is.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Box prints text in a bordered box colored by level. Plain output gets a
// bracketed prefix instead.
func (p *Printer) Box(l Level, text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "[%s] %s\n", strings.ToUpper(levelName(l)), text)
		return
	}
	style := Styles.WarningBox
	if l == LevelError {
		style = Styles.ErrorBox
	}
	fmt.Fprintln(p.w, style.Render(text))
}

// Table prints rows under headers. Plain output has no borders.
func (p *Printer) Table(headers []string, rows [][]string) {
	t := table.New().Headers(headers...).Rows(rows...)
	if p.styled {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(Styles.Border).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return Styles.Header
				}
				return lipgloss.NewStyle().Padding(0, 1)
			})
	} else {
		t = t.Border(lipgloss.HiddenBorder()).
			BorderTop(false).BorderBottom(false).BorderLeft(false).BorderRight(false).
			BorderHeader(false).BorderColumn(false).
			StyleFunc(func(_, col int) lipgloss.Style {
				if col == len(headers)-1 {
					return lipgloss.NewStyle()
				}
				return lipgloss.NewStyle().PaddingRight(2)
			})
	}
	fmt.Fprintln(p.w, t.Render())
}

func levelName(l Level) string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}
