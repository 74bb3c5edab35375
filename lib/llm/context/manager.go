// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"
	"fmt"
)

// Summarizer produces a replacement summary for a prefix of the
// conversation. previous is the text of the summary being superseded
// ("" for the first). messages are the turns being absorbed, oldest
// first. maxTokens caps the generation so the summary cannot eat the
// budget it is supposed to free.
//
// Implementations typically call an LLM; [lib/convo] wires one backed
// by the conversation's own model.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, messages []HistoryMessage, maxTokens int) (string, error)
}

// Manager plans prompt assembly under a token budget. It is stateless:
// every call receives the full turn input and returns a plan, so one
// Manager serves all conversations concurrently.
type Manager struct {
	counter    TokenCounter
	summarizer Summarizer
}

// NewManager returns a Manager. summarizer may be nil, in which case
// crossing the summarization threshold degrades to a budget warning
// and history truncation.
func NewManager(counter TokenCounter, summarizer Summarizer) *Manager {
	return &Manager{counter: counter, summarizer: summarizer}
}

// summaryAllowancePercent caps generated summaries relative to the
// context window. It doubles as headroom in the shed-target math so a
// fresh summary's own cost cannot push usage back over target.
const summaryAllowancePercent = 5

// minFirstSummary is the smallest number of messages a first summary
// may absorb. Extensions of an existing summary may absorb fewer
// because the combined count only grows.
const minFirstSummary = 2

// PlanTurn assembles the prompt for one turn.
//
// Cumulative usage is the active summary plus all uncovered history,
// including the new user turn. At 90% of the window the oldest
// messages are rolled into a summary targeting usage below 70%; at 80%
// the plan carries a budget warning. Assembly then fits the system
// preamble, summary, and most recent history into the history budget
// and the top snippets into the retrieval budget, so the planned
// prompt leaves the answer reserve free.
//
// A summarizer failure is not fatal: the returned plan is a
// best-effort assembly without the new summary (warning set), and the
// error reports the cause. Callers should log it and proceed.
func (manager *Manager) PlanTurn(ctx context.Context, input TurnInput) (*PromptPlan, error) {
	budget := ComputeBudget(input.ContextWindow)
	systemTokens := manager.counter.CountTokens(input.System, input.ModelID)

	summary := input.Summary
	history := input.History
	usage := summaryTokens(summary) + historyTokens(history)

	plan := &PromptPlan{Budget: budget, System: input.System}
	var planErr error

	if usage >= budget.summarizeAt() && manager.summarizer != nil {
		rolled, newSummary, err := manager.summarize(ctx, input, budget, usage)
		if err != nil {
			planErr = err
		} else if newSummary != nil {
			plan.NewSummary = newSummary
			plan.RolledMessages = rolled
			summary = newSummary
			history = history[rolled:]
			usage = summaryTokens(summary) + historyTokens(history)
		}
	}
	if usage >= budget.warnAt() {
		plan.BudgetWarning = true
	}
	plan.Summary = summary

	// History region: preamble, summary, and messages share the
	// history budget. Drop oldest first, but never the new user turn.
	available := budget.HistoryTokens - systemTokens - summaryTokens(summary)
	kept := history
	keptTokens := historyTokens(kept)
	for len(kept) > 1 && keptTokens > available {
		keptTokens -= kept[0].Tokens
		kept = kept[1:]
		plan.DroppedMessages++
	}
	plan.Messages = kept

	// Snippet region: admit in relevance order until the budget is
	// hit. Everything past the first misfit ranks lower, so cutting
	// the tail drops lowest relevance first.
	snippetTokens := 0
	for i, snippet := range input.Snippets {
		if snippetTokens+snippet.Tokens > budget.RetrievalTokens {
			plan.DroppedSnippets = len(input.Snippets) - i
			break
		}
		snippetTokens += snippet.Tokens
		plan.Snippets = append(plan.Snippets, snippet)
	}

	plan.PromptTokens = systemTokens + summaryTokens(summary) + keptTokens + snippetTokens
	return plan, planErr
}

// summarize rolls the oldest history into a new summary. It returns
// (0, nil, nil) when too little history is droppable, which leaves the
// turn on the warning path instead.
func (manager *Manager) summarize(ctx context.Context, input TurnInput, budget Budget, usage int) (int, *Summary, error) {
	minRoll := minFirstSummary
	previous := ""
	previousCount := 0
	previousTokens := 0
	if input.Summary != nil {
		minRoll = 1
		previous = input.Summary.Text
		previousCount = input.Summary.MessageCount
		previousTokens = input.Summary.Tokens
	}

	// The new user turn is never summarized away.
	droppable := len(input.History) - 1
	if droppable < minRoll {
		return 0, nil, nil
	}

	allowance := input.ContextWindow * summaryAllowancePercent / 100
	need := usage + allowance - budget.summarizeTarget()
	rolled := 0
	rolledTokens := 0
	for rolled < droppable && (rolled < minRoll || rolledTokens < need) {
		rolledTokens += input.History[rolled].Tokens
		rolled++
	}

	text, err := manager.summarizer.Summarize(ctx, previous, input.History[:rolled], allowance)
	if err != nil {
		return 0, nil, fmt.Errorf("summarizing %d messages: %w", rolled, err)
	}

	tokens := manager.counter.CountTokens(text, input.ModelID)
	return rolled, &Summary{
		Text:         text,
		MessageCount: previousCount + rolled,
		Tokens:       tokens,
		TokensSaved:  previousTokens + rolledTokens - tokens,
	}, nil
}
