// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package convo

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/loreworks/lore/lib/llm"
	llmcontext "github.com/loreworks/lore/lib/llm/context"
)

// Warning is a non-fatal advisory attached to a turn. Warnings are
// emitted as stream events before the first token and repeated in the
// final event.
type Warning string

const (
	// WarningTokenBudget means cumulative usage crossed 80% of the
	// model's context window.
	WarningTokenBudget Warning = "token-budget"

	// WarningNoRelevantContext means retrieval found nothing above the
	// relevance floor; the answer is ungrounded.
	WarningNoRelevantContext Warning = "no-relevant-context"

	// WarningLexicalOnly means the query could not be embedded and
	// retrieval ranked by lexical overlap alone.
	WarningLexicalOnly Warning = "lexical-only"

	// WarningPartialRetrieval means retrieval hit its deadline and
	// ranked only part of the corpus.
	WarningPartialRetrieval Warning = "partial-results"

	// WarningSummaryFailed means the summarization threshold was
	// crossed but the summary could not be generated; oldest history
	// was truncated instead.
	WarningSummaryFailed Warning = "summary-failed"

	// WarningCancelled means the caller cancelled generation
	// mid-stream; the partial text is persisted and marked incomplete.
	WarningCancelled Warning = "generation-cancelled"
)

// TurnEventType discriminates [TurnEvent] values.
type TurnEventType string

const (
	// TurnEventToken carries one generated text delta.
	TurnEventToken TurnEventType = "token"

	// TurnEventWarning carries one advisory warning.
	TurnEventWarning TurnEventType = "warning"

	// TurnEventFinal terminates a successful stream and carries the
	// persisted turn.
	TurnEventFinal TurnEventType = "final"
)

// TurnEvent is a single event from a [TurnStream].
type TurnEvent struct {
	Type TurnEventType

	// Token is the text delta, set for TurnEventToken.
	Token string

	// TokenCount is the estimated cumulative size of the generated
	// text so far, counted with the same ratio estimator the budget
	// uses. Set for TurnEventToken.
	TokenCount int

	// Warning is set for TurnEventWarning.
	Warning Warning

	// Final is set for TurnEventFinal.
	Final *TurnResult
}

// TurnResult is the committed outcome of one turn.
type TurnResult struct {
	// Conversation is the conversation after the turn, with the model
	// selection, title, and update time the commit wrote.
	Conversation Conversation `json:"conversation"`

	// UserMessage is the persisted user message.
	UserMessage Message `json:"userMessage"`

	// Assistant is the persisted assistant message. Nil when
	// generation was cancelled before any text arrived.
	Assistant *Message `json:"assistant,omitempty"`

	// Contexts are the knowledge contexts persisted with Assistant,
	// best rank first.
	Contexts []KnowledgeContext `json:"contexts,omitempty"`

	// Summary is the new active summary when this turn generated one.
	Summary *Summary `json:"summary,omitempty"`

	// Warnings are every advisory raised during the turn.
	Warnings []Warning `json:"warnings,omitempty"`

	// Cancelled reports that the caller cancelled mid-generation.
	// Not an error: the partial turn above is persisted.
	Cancelled bool `json:"cancelled,omitempty"`
}

// TurnStream delivers one turn as a pull sequence in the style of
// [llm.EventStream]: warnings first, then token deltas, then a final
// event carrying the persisted turn, then io.EOF. The commit happens
// inside the Next call that observes the end of generation, so a
// caller that drains the stream sees the turn fully persisted by the
// time io.EOF arrives.
//
// Close releases the in-flight-turn slot and, when called mid-stream,
// behaves like a cancellation: generation stops and the partial turn
// is committed with the assistant message marked incomplete. A
// TurnStream is single-consumer and not safe for concurrent use.
type TurnStream struct {
	service   *Service
	ctx       context.Context
	commitCtx context.Context
	provider  *llm.EventStream
	commit    TurnCommit
	counter   llmcontext.TokenCounter
	modelID   string
	warnings  []Warning
	pending   []TurnEvent
	started   time.Time
	finished  bool
	released  bool
	err       error
}

// Next returns the next turn event. It returns io.EOF after the final
// event, and the terminal error after a failed turn.
func (stream *TurnStream) Next() (TurnEvent, error) {
	if stream.finished {
		if stream.err != nil {
			return TurnEvent{}, stream.err
		}
		return TurnEvent{}, io.EOF
	}

	if len(stream.pending) > 0 {
		event := stream.pending[0]
		stream.pending = stream.pending[1:]
		return event, nil
	}

	for {
		event, err := stream.provider.Next()
		if err != nil {
			if err == io.EOF {
				return stream.finishTurn(false)
			}
			if stream.ctx.Err() != nil {
				return stream.finishTurn(true)
			}
			return stream.fail(fmt.Errorf("convo: generation: %w", err))
		}

		switch event.Type {
		case llm.EventTextDelta:
			count := stream.counter.CountTokens(stream.provider.Response().Text, stream.modelID)
			return TurnEvent{Type: TurnEventToken, Token: event.Text, TokenCount: count}, nil
		case llm.EventDone:
			return stream.finishTurn(false)
		case llm.EventError:
			if stream.ctx.Err() != nil {
				return stream.finishTurn(true)
			}
			return stream.fail(fmt.Errorf("convo: generation: %w", event.Error))
		default:
			// Pings and unknown event types carry nothing.
		}
	}
}

// ConversationID returns the id of the conversation this turn belongs
// to, available immediately so callers posting to a new conversation
// need not wait for the final event.
func (stream *TurnStream) ConversationID() string {
	return stream.commit.ConversationID
}

// Err returns the terminal error, nil while streaming and after a
// clean final event. Cancellation is not an error.
func (stream *TurnStream) Err() error {
	return stream.err
}

// Close releases the turn. After the final event it only frees the
// in-flight slot; mid-stream it stops generation and commits the
// partial turn exactly as a context cancellation would, so abandoning
// the stream never loses text the model already produced. The commit
// error, if any, is returned and also available from Err.
func (stream *TurnStream) Close() error {
	if stream.finished {
		stream.release()
		return nil
	}

	stream.provider.Close()
	_, err := stream.service.commitTurn(stream.commitCtx, stream.buildCommit(true))
	stream.release()
	stream.finished = true
	if err != nil {
		stream.err = err
		return err
	}
	return nil
}

// finishTurn commits the turn and produces the final event. cancelled
// marks the caller-cancellation path: the assistant text is whatever
// accumulated before the cancellation, persisted incomplete.
func (stream *TurnStream) finishTurn(cancelled bool) (TurnEvent, error) {
	stream.provider.Close()

	if cancelled {
		stream.warnings = append(stream.warnings, WarningCancelled)
	}

	commit := stream.buildCommit(cancelled)
	turn, err := stream.service.commitTurn(stream.commitCtx, commit)
	if err != nil {
		return stream.fail(err)
	}

	stream.release()
	stream.finished = true

	assistantTokens := 0
	if turn.Assistant != nil {
		assistantTokens = turn.Assistant.Tokens
	}
	stream.service.logger.Info("turn committed",
		"conversation", turn.Conversation.ID,
		"model", stream.modelID,
		"tokens", assistantTokens,
		"contexts", len(turn.Contexts),
		"summarized", turn.Summary != nil,
		"cancelled", cancelled,
		"elapsed", stream.service.clock.Now().Sub(stream.started))

	return TurnEvent{Type: TurnEventFinal, Final: &TurnResult{
		Conversation: turn.Conversation,
		UserMessage:  turn.User,
		Assistant:    turn.Assistant,
		Contexts:     turn.Contexts,
		Summary:      turn.Summary,
		Warnings:     stream.warnings,
		Cancelled:    cancelled,
	}}, nil
}

// buildCommit fills the assistant side of the prepared commit from
// the accumulated provider response. An empty accumulation persists
// the user message alone: message content is never empty.
func (stream *TurnStream) buildCommit(cancelled bool) TurnCommit {
	commit := stream.commit
	response := stream.provider.Response()

	if response.Text == "" {
		commit.Contexts = nil
		return commit
	}

	tokens := int(response.Usage.OutputTokens)
	if tokens == 0 {
		tokens = stream.counter.CountTokens(response.Text, stream.modelID)
	}
	commit.Assistant = &MessageDraft{
		Role:       llm.RoleAssistant,
		Text:       response.Text,
		ModelID:    stream.modelID,
		Tokens:     tokens,
		Incomplete: cancelled,
	}
	return commit
}

func (stream *TurnStream) fail(err error) (TurnEvent, error) {
	stream.provider.Close()
	stream.release()
	stream.finished = true
	stream.err = err
	return TurnEvent{}, err
}

func (stream *TurnStream) release() {
	if stream.released {
		return
	}
	stream.released = true
	stream.service.releaseTurn(stream.commit.ConversationID)
}
