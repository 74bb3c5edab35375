// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/junegunn/fzf/src/util"
)

// pickerMaxRows caps the visible result list; longer lists scroll.
const pickerMaxRows = 10

// PickerItem is one selectable row in a picker overlay.
type PickerItem struct {
	ID     string
	Label  string // matched against the typed pattern
	Detail string // faint annotation after the label
}

// pickerResult is a scored item plus the matched rune positions in
// its label, for highlighting.
type pickerResult struct {
	item      PickerItem
	score     int
	positions map[int]bool
}

// Picker is a modal fuzzy-filtered list. The model routes all key
// input here while one is open; HandleKey reports selection or
// dismissal back to the caller.
type Picker struct {
	title   string
	items   []PickerItem
	theme   Theme
	slab    *util.Slab
	input   []rune
	cursor  int
	offset  int
	results []pickerResult
}

// NewPicker returns a picker over items, in the given order. An empty
// pattern shows every item unscored.
func NewPicker(title string, items []PickerItem, theme Theme) *Picker {
	picker := &Picker{
		title: title,
		items: items,
		theme: theme,
		slab:  newSlab(),
	}
	picker.filter()
	return picker
}

// HandleKey processes one key press. selected is non-nil when the
// user picked an item; dismissed is true when the picker should
// close (selection or escape).
func (picker *Picker) HandleKey(message tea.KeyMsg) (selected *PickerItem, dismissed bool) {
	switch message.Type {
	case tea.KeyRunes, tea.KeySpace:
		picker.input = append(picker.input, message.Runes...)
		picker.filter()

	case tea.KeyBackspace:
		if len(picker.input) > 0 {
			picker.input = picker.input[:len(picker.input)-1]
			picker.filter()
		}

	case tea.KeyUp:
		if picker.cursor > 0 {
			picker.cursor--
		}

	case tea.KeyDown:
		if picker.cursor < len(picker.results)-1 {
			picker.cursor++
		}

	case tea.KeyEnter:
		if len(picker.results) == 0 {
			return nil, false
		}
		item := picker.results[picker.cursor].item
		return &item, true

	case tea.KeyEsc:
		return nil, true
	}
	picker.scrollToCursor()
	return nil, false
}

// filter re-scores every item against the current pattern. An empty
// pattern restores the caller's ordering; otherwise items rank by
// score with the original order as tie-break.
func (picker *Picker) filter() {
	picker.results = picker.results[:0]
	if len(picker.input) == 0 {
		for _, item := range picker.items {
			picker.results = append(picker.results, pickerResult{item: item})
		}
	} else {
		for _, item := range picker.items {
			match := fuzzyMatch(item.Label, picker.input, picker.slab)
			if match.Score <= 0 {
				continue
			}
			positions := make(map[int]bool, len(match.Positions))
			for _, position := range match.Positions {
				positions[position] = true
			}
			picker.results = append(picker.results, pickerResult{
				item:      item,
				score:     match.Score,
				positions: positions,
			})
		}
		sort.SliceStable(picker.results, func(i, j int) bool {
			return picker.results[i].score > picker.results[j].score
		})
	}

	if picker.cursor >= len(picker.results) {
		picker.cursor = len(picker.results) - 1
	}
	if picker.cursor < 0 {
		picker.cursor = 0
	}
	picker.offset = 0
	picker.scrollToCursor()
}

func (picker *Picker) scrollToCursor() {
	if picker.cursor < picker.offset {
		picker.offset = picker.cursor
	}
	if picker.cursor >= picker.offset+pickerMaxRows {
		picker.offset = picker.cursor - pickerMaxRows + 1
	}
}

// View renders the picker as a bordered box no wider than width.
func (picker *Picker) View(width int) string {
	boxWidth := width - 4
	if boxWidth > 64 {
		boxWidth = 64
	}
	if boxWidth < 20 {
		boxWidth = 20
	}
	innerWidth := boxWidth - 2 // border padding

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(picker.theme.HeaderForeground)
	faint := lipgloss.NewStyle().Foreground(picker.theme.FaintText)

	var lines []string
	lines = append(lines, titleStyle.Render(ansi.Truncate(picker.title, innerWidth, "…")))
	lines = append(lines, ansi.Truncate("> "+string(picker.input)+"▌", innerWidth, "…"))

	if len(picker.results) == 0 {
		lines = append(lines, faint.Render("no matches"))
	}
	end := picker.offset + pickerMaxRows
	if end > len(picker.results) {
		end = len(picker.results)
	}
	for index := picker.offset; index < end; index++ {
		lines = append(lines, picker.renderRow(picker.results[index], index == picker.cursor, innerWidth))
	}

	border := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(picker.theme.BorderColor).
		Padding(0, 1).
		Width(boxWidth)
	return border.Render(strings.Join(lines, "\n"))
}

// renderRow styles one result line: matched runes highlighted, the
// detail annotation faint, the whole row inverted when selected.
func (picker *Picker) renderRow(result pickerResult, selected bool, width int) string {
	base := lipgloss.NewStyle().Foreground(picker.theme.NormalText)
	match := lipgloss.NewStyle().Foreground(picker.theme.MatchForeground).Bold(true)
	faint := lipgloss.NewStyle().Foreground(picker.theme.FaintText)
	if selected {
		base = base.Background(picker.theme.SelectedBackground).Foreground(picker.theme.SelectedForeground)
		match = match.Background(picker.theme.SelectedBackground)
		faint = faint.Background(picker.theme.SelectedBackground)
	}

	var label strings.Builder
	for position, character := range []rune(result.item.Label) {
		if result.positions[position] {
			label.WriteString(match.Render(string(character)))
		} else {
			label.WriteString(base.Render(string(character)))
		}
	}
	line := label.String()
	if result.item.Detail != "" {
		line += faint.Render("  " + result.item.Detail)
	}

	marker := "  "
	if selected {
		marker = base.Render("» ")
	}
	return marker + ansi.Truncate(line, width-2, "…")
}
