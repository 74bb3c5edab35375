// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import "github.com/charmbracelet/lipgloss"

// Theme is the color palette for the chat TUI. All colors are
// lipgloss ANSI 256-color codes for broad terminal compatibility.
type Theme struct {
	// Text colors.
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Speaker labels in the transcript.
	UserLabel      lipgloss.Color
	AssistantLabel lipgloss.Color

	// UI chrome.
	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color

	// Turn advisories (token budget, ungrounded generation) and
	// failures.
	WarningText lipgloss.Color
	ErrorText   lipgloss.Color

	// Positive accents: checked task boxes, usable models, the
	// connected marker.
	PositiveText lipgloss.Color

	// Picker overlay.
	SelectedBackground lipgloss.Color
	SelectedForeground lipgloss.Color
	MatchForeground    lipgloss.Color

	// Grounding citations under assistant replies.
	ContextLabel lipgloss.Color
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	UserLabel:      lipgloss.Color("114"), // green
	AssistantLabel: lipgloss.Color("75"),  // blue

	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),
	HelpText:         lipgloss.Color("241"),

	WarningText: lipgloss.Color("220"), // amber
	ErrorText:   lipgloss.Color("196"), // red

	PositiveText: lipgloss.Color("114"),

	SelectedBackground: lipgloss.Color("236"),
	SelectedForeground: lipgloss.Color("255"),
	MatchForeground:    lipgloss.Color("220"),

	ContextLabel: lipgloss.Color("141"), // light purple
}
