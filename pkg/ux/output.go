// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders CLI output with the prens palette.
package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	ltree "github.com/charmbracelet/lipgloss/tree"
)

// Palette, brightest to darkest.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = ColorTealBright
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Branch    lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Branch:    lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// Render returns the icon with its style.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled lines to one destination.
//
// In plain mode nothing is styled and status lines carry a text prefix
// ("OK:", "ERROR:") instead of an icon, for scripts and log files.
type Printer struct {
	w     io.Writer
	plain bool
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, plain bool) *Printer {
	return &Printer{w: w, plain: plain}
}

// Success prints a line with a check mark.
func (p *Printer) Success(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if p.plain {
		return p.println("OK: " + text)
	}
	return p.println(IconSuccess.Render() + " " + Styles.Success.Render(text))
}

// Error prints a line with a cross.
func (p *Printer) Error(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if p.plain {
		return p.println("ERROR: " + text)
	}
	return p.println(IconError.Render() + " " + Styles.Error.Render(text))
}

// Item prints an indented bullet line.
func (p *Printer) Item(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if p.plain {
		return p.println("  " + text)
	}
	return p.println("  " + IconBullet.Render() + " " + text)
}

// Muted prints secondary text.
func (p *Printer) Muted(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if p.plain {
		return p.println(text)
	}
	return p.println(Styles.Muted.Render(text))
}

// Raw prints s unchanged.
func (p *Printer) Raw(s string) error {
	return p.println(s)
}

func (p *Printer) println(s string) error {
	_, err := fmt.Fprintln(p.w, s)
	return err
}

// =============================================================================
// Hierarchy
// =============================================================================

// HostLabel renders one hierarchy node. Nodes that anchor an endpoint are
// highlighted and show the endpoint id.
func HostLabel(name string, endpointID *int64) string {
	if endpointID == nil {
		return name
	}
	return Styles.Highlight.Render(name) + Styles.Muted.Render(fmt.Sprintf(" (endpoint %d)", *endpointID))
}

// HostTree returns a tree with the palette's branch and root styles.
func HostTree(root string) *ltree.Tree {
	return ltree.Root(root).
		RootStyle(Styles.Muted).
		EnumeratorStyle(Styles.Branch)
}

// HostSubtree returns a nested tree whose root label keeps its own style.
func HostSubtree(label string) *ltree.Tree {
	return ltree.Root(label).EnumeratorStyle(Styles.Branch)
}
