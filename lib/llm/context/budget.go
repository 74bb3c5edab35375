// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package context

// Budget splits a model's context window into the three regions a
// turn draws from. All values are token counts.
type Budget struct {
	// ContextWindow is the model's total window, from the model
	// configuration.
	ContextWindow int

	// AnswerReserve is held back for the generated answer and passed
	// to the provider as the output-token cap.
	AnswerReserve int

	// RetrievalTokens is the ceiling for retrieved knowledge snippets.
	RetrievalTokens int

	// HistoryTokens is the remainder, available for the system
	// preamble, the active summary, and conversation history.
	HistoryTokens int
}

// Window share given to the answer reserve and to retrieved context.
// History gets whatever remains, so the three always sum to the window.
const (
	answerReservePercent = 25
	retrievalPercent     = 20
)

// Cumulative-usage thresholds, as percentages of the context window.
// At warnPercent the turn proceeds with an advisory; at
// summarizePercent older messages are rolled into a summary before
// the prompt is assembled, targeting usage below targetPercent.
const (
	warnPercent      = 80
	summarizePercent = 90
	targetPercent    = 70
)

// ComputeBudget splits a context window using the fixed percentages
// above. Integer division remainders accrue to the history share.
func ComputeBudget(contextWindow int) Budget {
	if contextWindow < 0 {
		contextWindow = 0
	}
	reserve := contextWindow * answerReservePercent / 100
	retrieval := contextWindow * retrievalPercent / 100
	return Budget{
		ContextWindow:   contextWindow,
		AnswerReserve:   reserve,
		RetrievalTokens: retrieval,
		HistoryTokens:   contextWindow - reserve - retrieval,
	}
}

// warnAt returns the usage level at which a budget warning is due.
func (budget Budget) warnAt() int {
	return budget.ContextWindow * warnPercent / 100
}

// summarizeAt returns the usage level at which summarization runs.
func (budget Budget) summarizeAt() int {
	return budget.ContextWindow * summarizePercent / 100
}

// summarizeTarget returns the usage level summarization aims below.
func (budget Budget) summarizeTarget() int {
	return budget.ContextWindow * targetPercent / 100
}
