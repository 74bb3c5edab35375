// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"strings"

	"github.com/loreworks/lore/lib/llm"
)

// HistoryMessage is one conversation turn as the planner sees it: the
// text plus its already-counted token cost. The caller counts tokens
// once at persistence time so planning never re-tokenizes history.
type HistoryMessage struct {
	Role   llm.Role
	Text   string
	Tokens int
}

// Snippet is a retrieved knowledge chunk offered for the prompt,
// ordered by descending relevance when passed to the planner.
type Snippet struct {
	EntryID string
	Title   string
	Text    string
	Score   float64
	Tokens  int
}

// Summary is a compressed stand-in for a contiguous prefix of older
// messages.
type Summary struct {
	// Text is the summary content.
	Text string

	// MessageCount is how many messages the summary replaces. Always
	// at least 2.
	MessageCount int

	// Tokens is the token cost of Text.
	Tokens int

	// TokensSaved is the cost of the replaced material minus Tokens.
	TokensSaved int
}

// TurnInput is everything the planner needs for one turn.
type TurnInput struct {
	// ModelID selects the token-counting behavior.
	ModelID string

	// ContextWindow is the selected model's window in tokens.
	ContextWindow int

	// System is the system preamble.
	System string

	// Summary is the conversation's active summary, nil if none.
	Summary *Summary

	// History is every message not covered by the summary, oldest
	// first, ending with the new user turn.
	History []HistoryMessage

	// Snippets is the retrieval result, descending by relevance.
	Snippets []Snippet
}

// PromptPlan is the deterministic assembly for one turn: system
// preamble, then the active summary, then history truncated
// oldest-first to the history budget, then snippets truncated
// lowest-relevance-first to the retrieval budget.
type PromptPlan struct {
	Budget Budget

	// System is the preamble text (without the summary, which is
	// rendered separately by [PromptPlan.BuildRequest]).
	System string

	// Summary is the summary included in the prompt: the input's
	// active summary, or the newly generated one.
	Summary *Summary

	// NewSummary is non-nil when this turn rolled older messages into
	// a fresh summary. It supersedes the conversation's previous
	// summary and must be persisted with the turn.
	NewSummary *Summary

	// RolledMessages is how many history messages NewSummary absorbed
	// this turn (they are excluded from Messages).
	RolledMessages int

	// Messages is the history that made the prompt, oldest first.
	Messages []HistoryMessage

	// Snippets is the retrieved context that made the prompt,
	// descending by relevance.
	Snippets []Snippet

	// BudgetWarning is set when cumulative usage crossed the warning
	// threshold without (or even after) summarization.
	BudgetWarning bool

	// PromptTokens is the modeled cost of everything above. It stays
	// within ContextWindow minus AnswerReserve except in the
	// degenerate case of a single oversized message, which is never
	// dropped.
	PromptTokens int

	// DroppedMessages and DroppedSnippets count material truncated
	// away during assembly. Dropped history remains persisted; it is
	// just not sent this turn.
	DroppedMessages int
	DroppedSnippets int
}

// BuildRequest renders the plan into a provider request. The summary
// joins the system block; snippets are appended after the final user
// message so the reference material sits closest to the question.
func (plan *PromptPlan) BuildRequest(modelID string, temperature *float64) llm.Request {
	request := llm.Request{
		Model:       modelID,
		System:      plan.renderSystem(),
		MaxTokens:   plan.Budget.AnswerReserve,
		Temperature: temperature,
	}

	messages := make([]llm.Message, len(plan.Messages))
	for i, message := range plan.Messages {
		messages[i] = llm.Message{Role: message.Role, Text: message.Text}
	}

	if block := renderSnippets(plan.Snippets); block != "" && len(messages) > 0 {
		last := &messages[len(messages)-1]
		if last.Role == llm.RoleUser {
			last.Text = last.Text + "\n\n" + block
		}
	}

	request.Messages = messages
	return request
}

func (plan *PromptPlan) renderSystem() string {
	if plan.Summary == nil {
		return plan.System
	}
	var builder strings.Builder
	builder.WriteString(plan.System)
	builder.WriteString("\n\nSummary of the conversation so far:\n")
	builder.WriteString(plan.Summary.Text)
	return builder.String()
}

func renderSnippets(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var builder strings.Builder
	builder.WriteString("Reference material:")
	for i, snippet := range snippets {
		builder.WriteString(fmt.Sprintf("\n[%d] %s\n%s", i+1, snippet.Title, snippet.Text))
	}
	return builder.String()
}

func summaryTokens(summary *Summary) int {
	if summary == nil {
		return 0
	}
	return summary.Tokens
}

func historyTokens(messages []HistoryMessage) int {
	total := 0
	for _, message := range messages {
		total += message.Tokens
	}
	return total
}
