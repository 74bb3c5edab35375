// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/llm"
	llmcontext "github.com/loreworks/lore/lib/llm/context"
	"github.com/loreworks/lore/lib/retrieval"
)

// DefaultContextRetention is how long knowledge contexts are kept
// before [Service.PruneContexts] removes them.
const DefaultContextRetention = 30 * 24 * time.Hour

// recentMessageCount is the message tail returned with a conversation.
const recentMessageCount = 5

// maxTitleLength caps auto-derived conversation titles.
const maxTitleLength = 60

const defaultSystemPrompt = `You are a careful assistant. When reference material is ` +
	`provided, ground your answer in it and cite the numbered sections you used. When ` +
	`it does not cover the question, say so plainly before answering from general knowledge.`

// ServiceConfig holds the service dependencies.
type ServiceConfig struct {
	// Store persists conversations. Required.
	Store *Store

	// Catalog resolves model choices to providers and embedding
	// gateways. Required.
	Catalog *catalog.Orchestrator

	// Retrieval ranks the corpus for grounding context. Required.
	Retrieval *retrieval.Engine

	// SystemPrompt overrides the default system preamble.
	SystemPrompt string

	// Clock times turns. If nil, the real clock is used.
	Clock clock.Clock

	// Logger receives turn diagnostics. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Service is the conversation core. It owns all conversation-level
// mutation: every message append, model switch, and summary flows
// through one turn commit here. Safe for concurrent use; turns on
// different conversations proceed independently.
type Service struct {
	store     *Store
	catalog   *catalog.Orchestrator
	retrieval *retrieval.Engine
	system    string
	clock     clock.Clock
	logger    *slog.Logger

	busyMu sync.Mutex
	busy   map[string]struct{}
}

// NewService returns a conversation service.
func NewService(config ServiceConfig) *Service {
	system := config.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	ticker := config.Clock
	if ticker == nil {
		ticker = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:     config.Store,
		catalog:   config.Catalog,
		retrieval: config.Retrieval,
		system:    system,
		clock:     ticker,
		logger:    logger,
		busy:      make(map[string]struct{}),
	}
}

// PostMessageRequest is one turn submission.
type PostMessageRequest struct {
	// ConversationID names an existing conversation. Empty creates a
	// new one owned by UserID.
	ConversationID string

	// UserID is the posting user. Required.
	UserID string

	// Text is the user's message. Required.
	Text string

	// ModelID selects the model for this turn. Empty keeps the
	// conversation's current selection.
	ModelID string
}

// PostMessage runs one conversation turn and returns its stream. The
// turn is validated, planned, and started before this returns, so
// validation failures (ErrModelUnavailable, ErrConversationBusy,
// ErrUnknownConversation) surface here rather than mid-stream.
// Nothing is persisted until the returned stream reaches its final
// event; the commit is atomic.
func (service *Service) PostMessage(ctx context.Context, request PostMessageRequest) (stream *TurnStream, err error) {
	text := strings.TrimSpace(request.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if request.UserID == "" {
		return nil, fmt.Errorf("convo: post: user id is empty")
	}

	// The in-flight slot is held from acquisition until the stream
	// releases it; every error path below must give it back.
	acquired := ""
	defer func() {
		if err != nil && acquired != "" {
			service.releaseTurn(acquired)
		}
	}()

	var conversation *Conversation
	if request.ConversationID != "" {
		conversation, err = service.store.GetConversation(ctx, request.ConversationID)
		if err != nil {
			return nil, err
		}
		if conversation.UserID != request.UserID {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, request.ConversationID)
		}
		if !service.acquireTurn(conversation.ID) {
			return nil, fmt.Errorf("%w: %s", ErrConversationBusy, conversation.ID)
		}
		acquired = conversation.ID
	}

	modelID := request.ModelID
	if modelID == "" && conversation != nil {
		modelID = conversation.ModelID
	}
	if modelID == "" {
		return nil, fmt.Errorf("%w: no model selected", ErrModelUnavailable)
	}

	resolution, err := service.catalog.Resolve(ctx, request.UserID, modelID)
	if err != nil {
		return nil, err
	}

	if conversation == nil {
		conversation, err = service.store.CreateConversation(ctx, request.UserID, "", modelID)
		if err != nil {
			return nil, err
		}
		// A freshly minted id cannot be contended.
		service.acquireTurn(conversation.ID)
		acquired = conversation.ID
	}

	history, summary, err := service.loadHistory(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}

	userTokens := resolution.Gateway.CountTokens(text, modelID)
	history = append(history, llmcontext.HistoryMessage{
		Role:   llm.RoleUser,
		Text:   text,
		Tokens: userTokens,
	})

	warnings, snippets := service.retrieve(ctx, text, modelID, resolution)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	manager := llmcontext.NewManager(resolution.Gateway, providerSummarizer{
		provider: resolution.Provider,
		modelID:  modelID,
	})
	plan, planErr := manager.PlanTurn(ctx, llmcontext.TurnInput{
		ModelID:       modelID,
		ContextWindow: resolution.Config.MaxContextTokens,
		System:        service.system,
		Summary:       summary,
		History:       history,
		Snippets:      snippets,
	})
	if planErr != nil {
		service.logger.Warn("summarization failed, truncating instead",
			"conversation", conversation.ID, "error", planErr)
		warnings = append(warnings, WarningSummaryFailed)
	}
	if plan.BudgetWarning {
		warnings = append(warnings, WarningTokenBudget)
	}

	providerStream, err := service.startGeneration(ctx, resolution.Provider, plan.BuildRequest(modelID, nil))
	if err != nil {
		return nil, err
	}

	commit := TurnCommit{
		ConversationID: conversation.ID,
		ModelID:        modelID,
		User: MessageDraft{
			Role:   llm.RoleUser,
			Text:   text,
			Tokens: userTokens,
		},
	}
	if conversation.Title == "" {
		commit.Title = deriveTitle(text)
	}
	for i, snippet := range plan.Snippets {
		commit.Contexts = append(commit.Contexts, ContextDraft{
			EntryID: snippet.EntryID,
			Title:   snippet.Title,
			Score:   snippet.Score,
			Rank:    i + 1,
			Text:    snippet.Text,
		})
	}
	if plan.NewSummary != nil {
		commit.Summary = &SummaryDraft{
			Text:         plan.NewSummary.Text,
			MessageCount: plan.NewSummary.MessageCount,
			Tokens:       plan.NewSummary.Tokens,
			TokensSaved:  plan.NewSummary.TokensSaved,
			ModelID:      modelID,
		}
	}

	service.logger.Debug("turn started",
		"conversation", conversation.ID,
		"model", modelID,
		"history", len(plan.Messages),
		"snippets", len(plan.Snippets),
		"promptTokens", plan.PromptTokens)

	pending := make([]TurnEvent, 0, len(warnings))
	for _, warning := range warnings {
		pending = append(pending, TurnEvent{Type: TurnEventWarning, Warning: warning})
	}

	return &TurnStream{
		service:   service,
		ctx:       ctx,
		commitCtx: context.WithoutCancel(ctx),
		provider:  providerStream,
		commit:    commit,
		counter:   resolution.Gateway,
		modelID:   modelID,
		warnings:  warnings,
		pending:   pending,
		started:   service.clock.Now(),
	}, nil
}

// loadHistory returns the messages not covered by the active summary,
// as planner input, plus the summary itself.
func (service *Service) loadHistory(ctx context.Context, conversationID string) ([]llmcontext.HistoryMessage, *llmcontext.Summary, error) {
	messages, err := service.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	stored, err := service.store.ActiveSummary(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	var summary *llmcontext.Summary
	if stored != nil {
		summary = &llmcontext.Summary{
			Text:         stored.Text,
			MessageCount: stored.MessageCount,
			Tokens:       stored.Tokens,
			TokensSaved:  stored.TokensSaved,
		}
		covered := min(stored.MessageCount, len(messages))
		messages = messages[covered:]
	}

	history := make([]llmcontext.HistoryMessage, 0, len(messages)+1)
	for _, message := range messages {
		history = append(history, llmcontext.HistoryMessage{
			Role:   message.Role,
			Text:   message.Text,
			Tokens: message.Tokens,
		})
	}
	return history, summary, nil
}

// retrieve runs best-effort grounding retrieval. A retrieval failure
// degrades the turn to ungrounded generation rather than failing it.
func (service *Service) retrieve(ctx context.Context, text, modelID string, resolution *catalog.Resolution) ([]Warning, []llmcontext.Snippet) {
	result, err := service.retrieval.Retrieve(ctx, retrieval.Query{
		Text:     text,
		Provider: resolution.Config.Provider,
		Gateway:  resolution.Gateway,
	})
	if err != nil {
		service.logger.Warn("retrieval failed, generating ungrounded",
			"model", modelID, "error", err)
		return nil, nil
	}

	warnings := make([]Warning, 0, len(result.Warnings))
	for _, warning := range result.Warnings {
		warnings = append(warnings, turnWarning(warning))
	}

	snippets := make([]llmcontext.Snippet, 0, len(result.Contexts))
	for _, found := range result.Contexts {
		snippets = append(snippets, llmcontext.Snippet{
			EntryID: found.EntryID,
			Title:   found.Title,
			Text:    found.Text,
			Score:   found.Score,
			Tokens:  resolution.Gateway.CountTokens(found.Text, modelID),
		})
	}
	return warnings, snippets
}

// startGeneration opens the provider stream, retrying once when the
// failure is transient (rate limit, overload, 5xx).
func (service *Service) startGeneration(ctx context.Context, provider llm.Provider, request llm.Request) (*llm.EventStream, error) {
	providerStream, err := provider.Stream(ctx, request)
	if err == nil {
		return providerStream, nil
	}

	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) && providerErr.Transient() {
		service.logger.Warn("provider stream failed, retrying once", "error", err)
		providerStream, err = provider.Stream(ctx, request)
		if err == nil {
			return providerStream, nil
		}
	}
	return nil, fmt.Errorf("convo: starting generation: %w", err)
}

// commitTurn persists a turn, retrying once before escalating to
// ErrPersistenceFailure. A conversation deleted mid-turn is not
// retried; the commit cannot succeed.
func (service *Service) commitTurn(ctx context.Context, commit TurnCommit) (*Turn, error) {
	turn, err := service.store.CommitTurn(ctx, commit)
	if err == nil {
		return turn, nil
	}
	if errors.Is(err, ErrUnknownConversation) {
		return nil, err
	}

	service.logger.Warn("turn commit failed, retrying",
		"conversation", commit.ConversationID, "error", err)
	turn, err = service.store.CommitTurn(ctx, commit)
	if err == nil {
		return turn, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
}

// CreateConversation creates an empty conversation. A non-empty
// modelID is validated against the catalog first.
func (service *Service) CreateConversation(ctx context.Context, userID, title, modelID string) (*Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("convo: create: user id is empty")
	}
	if modelID != "" {
		if _, err := service.catalog.Validate(ctx, userID, modelID); err != nil {
			return nil, err
		}
	}
	return service.store.CreateConversation(ctx, userID, title, modelID)
}

// GetConversation returns a conversation with its recent message tail
// and active summary. Conversations of other users read as unknown.
func (service *Service) GetConversation(ctx context.Context, userID, conversationID string) (*ConversationDetail, error) {
	conversation, err := service.authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	messages, err := service.store.RecentMessages(ctx, conversationID, recentMessageCount)
	if err != nil {
		return nil, err
	}
	summary, err := service.store.ActiveSummary(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &ConversationDetail{
		Conversation: *conversation,
		Messages:     messages,
		Summary:      summary,
	}, nil
}

// Messages returns the full ordered message history of a conversation.
func (service *Service) Messages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	if _, err := service.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return service.store.Messages(ctx, conversationID)
}

// ListConversations returns the user's conversations, most recently
// updated first.
func (service *Service) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return service.store.ListConversations(ctx, userID)
}

// DeleteConversation removes a conversation and everything under it.
// A conversation with a turn in flight cannot be deleted.
func (service *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := service.authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	if service.turnInFlight(conversationID) {
		return fmt.Errorf("%w: %s", ErrConversationBusy, conversationID)
	}
	return service.store.DeleteConversation(ctx, conversationID)
}

// PruneContexts removes knowledge contexts older than the retention
// window (DefaultContextRetention when retention is zero) and returns
// how many were removed.
func (service *Service) PruneContexts(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultContextRetention
	}
	removed, err := service.store.PruneContexts(ctx, service.clock.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		service.logger.Info("pruned knowledge contexts", "removed", removed, "retention", retention)
	}
	return removed, nil
}

func (service *Service) authorize(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	conversation, err := service.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	return conversation, nil
}

func (service *Service) acquireTurn(conversationID string) bool {
	service.busyMu.Lock()
	defer service.busyMu.Unlock()
	if _, inFlight := service.busy[conversationID]; inFlight {
		return false
	}
	service.busy[conversationID] = struct{}{}
	return true
}

func (service *Service) releaseTurn(conversationID string) {
	service.busyMu.Lock()
	defer service.busyMu.Unlock()
	delete(service.busy, conversationID)
}

func (service *Service) turnInFlight(conversationID string) bool {
	service.busyMu.Lock()
	defer service.busyMu.Unlock()
	_, inFlight := service.busy[conversationID]
	return inFlight
}

// turnWarning maps a retrieval advisory onto the turn's warning set.
func turnWarning(warning retrieval.Warning) Warning {
	switch warning {
	case retrieval.WarningNoRelevantContext:
		return WarningNoRelevantContext
	case retrieval.WarningLexicalOnly:
		return WarningLexicalOnly
	case retrieval.WarningPartial:
		return WarningPartialRetrieval
	}
	return Warning(warning)
}

// deriveTitle trims the first line of the first user message into a
// conversation title.
func deriveTitle(text string) string {
	title := text
	if cut := strings.IndexByte(title, '\n'); cut >= 0 {
		title = title[:cut]
	}
	title = strings.TrimSpace(title)
	if len(title) <= maxTitleLength {
		return title
	}
	cut := maxTitleLength
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return strings.TrimSpace(title[:cut]) + "…"
}
