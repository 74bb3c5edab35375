// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package context

// TokenCounter reports token counts for budget math. Counts must be
// deterministic: the same text and model always produce the same
// count, so that cumulative usage is stable across turns and
// restarts. The production implementation lives in the embedding
// gateway, which resolves per-model ratios from the catalog.
type TokenCounter interface {
	CountTokens(text string, modelID string) int
}

// RatioTokens converts a character count to a token count using a
// fixed characters-per-token ratio, rounding up. Rounding up is the
// safe direction: overestimating triggers truncation slightly early
// instead of risking a window overflow at the provider.
func RatioTokens(text string, charactersPerToken float64) int {
	if text == "" {
		return 0
	}
	if charactersPerToken <= 0 {
		charactersPerToken = 4.0
	}
	tokens := float64(len(text)) / charactersPerToken
	count := int(tokens)
	if float64(count) < tokens {
		count++
	}
	return count
}
