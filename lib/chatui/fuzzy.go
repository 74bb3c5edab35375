// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"strings"
	"unicode"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// Slab sizes match fzf's own defaults; one slab amortizes the
// scratch allocations across a whole filtering pass.
const (
	slab16Size = 100 * 1024
	slab32Size = 2048 * 100
)

func newSlab() *util.Slab {
	return util.MakeSlab(slab16Size, slab32Size)
}

// FuzzyResult is one scored match: fzf's score plus the matched rune
// positions for highlighting. A zero score means no match.
type FuzzyResult struct {
	Score     int
	Positions []int
}

// fuzzyMatch scores pattern against text with fzf's V2 algorithm.
// Both sides are lowercased first, so matching is case-insensitive
// regardless of how the pattern was typed. slab may be nil; passing
// one amortizes allocations across a filtering pass.
func fuzzyMatch(text string, pattern []rune, slab *util.Slab) FuzzyResult {
	if len(pattern) == 0 || text == "" {
		return FuzzyResult{}
	}

	lowered := make([]rune, len(pattern))
	for i, r := range pattern {
		lowered[i] = unicode.ToLower(r)
	}
	chars := util.ToChars([]byte(strings.ToLower(text)))

	result, positions := algo.FuzzyMatchV2(false, true, true, &chars, lowered, true, slab)
	if result.Score <= 0 {
		return FuzzyResult{}
	}
	matched := FuzzyResult{Score: result.Score}
	if positions != nil {
		matched.Positions = *positions
	}
	return matched
}
