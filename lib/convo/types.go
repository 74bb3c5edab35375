// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package convo

import (
	"github.com/loreworks/lore/lib/llm"
)

// Conversation is one chat thread. ModelID is the currently selected
// model; it may be empty until the first turn names one, and it
// changes when a turn is posted with a different model.
type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title,omitempty"`
	ModelID   string `json:"modelId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Message is one persisted conversation turn. Messages are immutable
// and totally ordered within their conversation by Seq. ModelID is
// set on assistant messages; Incomplete marks an assistant message
// whose generation was cancelled mid-stream.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	Seq            int64    `json:"seq"`
	Role           llm.Role `json:"role"`
	Text           string   `json:"text"`
	ModelID        string   `json:"modelId,omitempty"`
	Tokens         int      `json:"tokens"`
	Incomplete     bool     `json:"incomplete,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
}

// Summary is a persisted stand-in for the oldest MessageCount
// messages of its conversation. At most one summary per conversation
// is active; a new summary covers the union of the old one and the
// newly rolled-off messages and supersedes it.
type Summary struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	MessageCount   int    `json:"messageCount"`
	Tokens         int    `json:"tokens"`
	TokensSaved    int    `json:"tokensSaved"`
	ModelID        string `json:"modelId"`
	Active         bool   `json:"active"`
	CreatedAt      int64  `json:"createdAt"`
}

// KnowledgeContext records one corpus slice that grounded an
// assistant message: the entry, its relevance at generation time, and
// the exact text that entered the prompt. The text is copied because
// the corpus entry may change or disappear on a later ingest. Rows are
// audit data, regenerable from the corpus, and pruned after a
// retention window.
type KnowledgeContext struct {
	ID        string  `json:"id"`
	MessageID string  `json:"messageId"`
	EntryID   string  `json:"entryId"`
	Title     string  `json:"title"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
	Text      string  `json:"text"`
	CreatedAt int64   `json:"createdAt"`
}

// ConversationDetail is a conversation with its recent tail: at most
// the five most recent messages in chronological order, plus the
// active summary when one exists.
type ConversationDetail struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Summary      *Summary     `json:"summary,omitempty"`
}
