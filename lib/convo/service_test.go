// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package convo_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/convo"
	"github.com/loreworks/lore/lib/corpus"
	"github.com/loreworks/lore/lib/llm"
	"github.com/loreworks/lore/lib/retrieval"
	"github.com/loreworks/lore/lib/sqlitepool"
)

// wireMessage is one Ollama chat message as it crosses the wire.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireChatRequest is the chat request body the fake server decodes.
type wireChatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// fakeModel scripts an Ollama server: streamed chat deltas, a canned
// non-streaming completion for the summarizer, and a fixed query
// embedding. blockAfter >= 0 parks the chat handler after that many
// deltas until the client goes away, which is how the busy and
// cancellation tests hold a turn open.
type fakeModel struct {
	mu         sync.Mutex
	deltas     []string
	doneTokens int64
	completion string
	vector     []float32
	blockAfter int

	chats       []wireChatRequest
	completions []wireChatRequest
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		deltas:     []string{"Check", " the", " runbook."},
		doneTokens: 3,
		completion: "Summary so far.",
		vector:     []float32{1, 0, 0},
		blockAfter: -1,
	}
}

func (fake *fakeModel) script(deltas []string, doneTokens int64) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.deltas = deltas
	fake.doneTokens = doneTokens
}

func (fake *fakeModel) setCompletion(text string) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.completion = text
}

func (fake *fakeModel) blockAfterDeltas(count int) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.blockAfter = count
}

func (fake *fakeModel) lastChat(t *testing.T) wireChatRequest {
	t.Helper()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.chats) == 0 {
		t.Fatal("no streaming chat request captured")
	}
	return fake.chats[len(fake.chats)-1]
}

func (fake *fakeModel) lastCompletion(t *testing.T) wireChatRequest {
	t.Helper()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.completions) == 0 {
		t.Fatal("no completion request captured")
	}
	return fake.completions[len(fake.completions)-1]
}

func (fake *fakeModel) completionCount() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return len(fake.completions)
}

func (fake *fakeModel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", fake.handleChat)
	mux.HandleFunc("POST /api/embed", fake.handleEmbed)
	return mux
}

func (fake *fakeModel) handleChat(writer http.ResponseWriter, request *http.Request) {
	var wireRequest wireChatRequest
	if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	fake.mu.Lock()
	if wireRequest.Stream {
		fake.chats = append(fake.chats, wireRequest)
	} else {
		fake.completions = append(fake.completions, wireRequest)
	}
	deltas := fake.deltas
	doneTokens := fake.doneTokens
	completion := fake.completion
	blockAfter := fake.blockAfter
	fake.mu.Unlock()

	encoder := json.NewEncoder(writer)
	if !wireRequest.Stream {
		writer.Header().Set("Content-Type", "application/json")
		encoder.Encode(map[string]any{
			"model":       wireRequest.Model,
			"message":     wireMessage{Role: "assistant", Content: completion},
			"done":        true,
			"done_reason": "stop",
			"eval_count":  int64(len(completion)),
		})
		return
	}

	writer.Header().Set("Content-Type", "application/x-ndjson")
	flusher := writer.(http.Flusher)
	for sent, delta := range deltas {
		if sent == blockAfter {
			<-request.Context().Done()
			return
		}
		encoder.Encode(map[string]any{
			"model":   wireRequest.Model,
			"message": wireMessage{Role: "assistant", Content: delta},
			"done":    false,
		})
		flusher.Flush()
	}
	if blockAfter >= len(deltas) {
		<-request.Context().Done()
		return
	}
	encoder.Encode(map[string]any{
		"model":             wireRequest.Model,
		"done":              true,
		"done_reason":       "stop",
		"prompt_eval_count": int64(20),
		"eval_count":        doneTokens,
	})
	flusher.Flush()
}

func (fake *fakeModel) handleEmbed(writer http.ResponseWriter, request *http.Request) {
	var wireRequest struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	fake.mu.Lock()
	vector := fake.vector
	fake.mu.Unlock()

	vectors := make([][]float32, len(wireRequest.Input))
	for i := range vectors {
		vectors[i] = vector
	}
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]any{
		"model":      wireRequest.Model,
		"embeddings": vectors,
	})
}

// scoutConfig is the workhorse test model: embeddings on, a roomy
// window, and a 1:1 character ratio so token counts read off the text.
func scoutConfig() catalog.ModelConfiguration {
	return catalog.ModelConfiguration{
		ID:               "scout",
		Provider:         catalog.ProviderOllama,
		DisplayName:      "Scout",
		EmbeddingModel:   "scout-embed",
		EmbeddingDim:     3,
		MaxContextTokens: 4096,
		CharsPerToken:    1,
		Active:           true,
	}
}

// pocketConfig has a deliberately tiny 100-token window for exercising
// the budget thresholds, and no embedding model.
func pocketConfig() catalog.ModelConfiguration {
	return catalog.ModelConfiguration{
		ID:               "pocket",
		Provider:         catalog.ProviderOllama,
		DisplayName:      "Pocket",
		MaxContextTokens: 100,
		CharsPerToken:    1,
		Active:           true,
	}
}

func rangerConfig() catalog.ModelConfiguration {
	return catalog.ModelConfiguration{
		ID:               "ranger",
		Provider:         catalog.ProviderOllama,
		DisplayName:      "Ranger",
		MaxContextTokens: 4096,
		CharsPerToken:    1,
		Active:           true,
	}
}

// serviceHarness wires a full turn pipeline over one database and a
// fake Ollama server.
type serviceHarness struct {
	service *convo.Service
	store   *convo.Store
	corpus  *corpus.Store
	model   *fakeModel
	clock   *clock.FakeClock
}

// newServiceHarness builds the pipeline with a fake clock and a short
// system prompt, so the budget tests can do exact token arithmetic.
func newServiceHarness(t *testing.T, configs ...catalog.ModelConfiguration) *serviceHarness {
	t.Helper()
	ctx := context.Background()
	ticker := clock.Fake(testEpoch)

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "lore.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("closing pool: %v", err)
		}
	})

	catalogStore, err := catalog.OpenStore(ctx, pool, ticker)
	if err != nil {
		t.Fatalf("opening catalog: %v", err)
	}
	if err := catalogStore.Seed(ctx, configs); err != nil {
		t.Fatalf("seeding models: %v", err)
	}

	fake := newFakeModel()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	orchestrator := catalog.NewOrchestrator(catalog.OrchestratorConfig{
		Store:      catalogStore,
		HTTPClient: server.Client(),
		Endpoints:  catalog.Endpoints{Ollama: server.URL},
		Clock:      ticker,
	})

	corpusStore, err := corpus.OpenStore(ctx, corpus.Config{Pool: pool, Clock: ticker})
	if err != nil {
		t.Fatalf("opening corpus: %v", err)
	}
	convoStore, err := convo.OpenStore(ctx, pool, ticker)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	service := convo.NewService(convo.ServiceConfig{
		Store:        convoStore,
		Catalog:      orchestrator,
		Retrieval:    retrieval.NewEngine(retrieval.Config{Store: corpusStore, Clock: ticker}),
		SystemPrompt: "Be brief.",
		Clock:        ticker,
	})
	return &serviceHarness{
		service: service,
		store:   convoStore,
		corpus:  corpusStore,
		model:   fake,
		clock:   ticker,
	}
}

func mustPost(t *testing.T, service *convo.Service, request convo.PostMessageRequest) *convo.TurnStream {
	t.Helper()
	stream, err := service.PostMessage(context.Background(), request)
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	return stream
}

// drainedTurn collects everything one stream produced.
type drainedTurn struct {
	events   []convo.TurnEvent
	tokens   []string
	warnings []convo.Warning
	final    *convo.TurnResult
}

func (drained drainedTurn) text() string {
	return strings.Join(drained.tokens, "")
}

// drainTurn reads a stream to completion and closes it.
func drainTurn(t *testing.T, stream *convo.TurnStream) drainedTurn {
	t.Helper()
	defer stream.Close()

	var drained drainedTurn
	for {
		event, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		drained.events = append(drained.events, event)
		switch event.Type {
		case convo.TurnEventToken:
			drained.tokens = append(drained.tokens, event.Token)
		case convo.TurnEventWarning:
			drained.warnings = append(drained.warnings, event.Warning)
		case convo.TurnEventFinal:
			drained.final = event.Final
		}
	}
	if drained.final == nil {
		t.Fatal("stream ended without a final event")
	}
	return drained
}

func hasWarning(warnings []convo.Warning, warning convo.Warning) bool {
	return slices.Contains(warnings, warning)
}

func TestPostMessageFirstTurn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, scoutConfig())

	text := "How do I roll back a deploy?"
	stream, err := harness.service.PostMessage(ctx, convo.PostMessageRequest{
		UserID:  "ren",
		Text:    text,
		ModelID: "scout",
	})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if stream.ConversationID() == "" {
		t.Error("stream carries no conversation id")
	}

	drained := drainTurn(t, stream)
	if got, want := drained.text(), "Check the runbook."; got != want {
		t.Errorf("streamed text = %q, want %q", got, want)
	}

	final := drained.final
	if final.Cancelled {
		t.Error("clean turn reported cancelled")
	}
	if final.Conversation.ID != stream.ConversationID() {
		t.Errorf("final conversation = %q, stream = %q", final.Conversation.ID, stream.ConversationID())
	}
	if got, want := final.Conversation.Title, text; got != want {
		t.Errorf("derived title = %q, want %q", got, want)
	}
	if final.Conversation.ModelID != "scout" {
		t.Errorf("conversation model = %q, want scout", final.Conversation.ModelID)
	}
	if final.UserMessage.Seq != 1 || final.UserMessage.Text != text {
		t.Errorf("user message = seq %d %q", final.UserMessage.Seq, final.UserMessage.Text)
	}
	if got, want := final.UserMessage.Tokens, len(text); got != want {
		t.Errorf("user tokens = %d, want %d", got, want)
	}
	if final.Assistant == nil {
		t.Fatal("no assistant message")
	}
	if final.Assistant.Seq != 2 || final.Assistant.Text != "Check the runbook." {
		t.Errorf("assistant message = seq %d %q", final.Assistant.Seq, final.Assistant.Text)
	}
	// Provider-reported output tokens win over the ratio estimate.
	if final.Assistant.Tokens != 3 {
		t.Errorf("assistant tokens = %d, want 3", final.Assistant.Tokens)
	}
	if final.Assistant.Incomplete {
		t.Error("completed answer marked incomplete")
	}

	// Empty corpus: the turn warns and proceeds ungrounded, with the
	// warning delivered before the first token.
	if !hasWarning(final.Warnings, convo.WarningNoRelevantContext) {
		t.Errorf("warnings = %v, want no-relevant-context", final.Warnings)
	}
	if len(final.Contexts) != 0 {
		t.Errorf("contexts = %d, want none", len(final.Contexts))
	}
	if len(drained.events) == 0 || drained.events[0].Type != convo.TurnEventWarning {
		t.Error("warnings should precede tokens")
	}

	if err := stream.Err(); err != nil {
		t.Errorf("Err after clean turn = %v", err)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("Next after final = %v, want io.EOF", err)
	}

	messages, err := harness.service.Messages(ctx, "ren", final.Conversation.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(messages))
	}
}

func TestPostMessageGroundsInCorpus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, scoutConfig())

	entries, err := harness.corpus.ReplaceOrigin(ctx, "guides/deploys.md", []corpus.Entry{
		{
			Title:    "Rollback procedure",
			Category: "runbook",
			Text:     "Roll back a deploy by promoting the previous release tag.",
		},
		{
			Title:    "Oncall rotation",
			Category: "policy",
			Text:     "The rotation hands off every Monday morning.",
		},
	})
	if err != nil {
		t.Fatalf("ReplaceOrigin: %v", err)
	}
	// Only the rollback entry aligns with the fake query vector.
	if err := harness.corpus.PutEmbedding(ctx, entries[0].ID, "ollama", "scout-embed", []float32{1, 0, 0}); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}
	if err := harness.corpus.PutEmbedding(ctx, entries[1].ID, "ollama", "scout-embed", []float32{0, 1, 0}); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}

	drained := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		UserID:  "ren",
		Text:    "How do I roll back a deploy?",
		ModelID: "scout",
	}))
	final := drained.final

	if len(final.Contexts) != 1 {
		t.Fatalf("contexts = %d, want 1; warnings = %v", len(final.Contexts), final.Warnings)
	}
	top := final.Contexts[0]
	if top.EntryID != entries[0].ID {
		t.Errorf("top context = %q, want the rollback entry", top.Title)
	}
	if top.Rank != 1 || top.Score <= 0 {
		t.Errorf("top context rank/score = %d/%v", top.Rank, top.Score)
	}
	if top.Text != entries[0].Text {
		t.Errorf("context text = %q, want the entry text", top.Text)
	}
	if hasWarning(final.Warnings, convo.WarningNoRelevantContext) {
		t.Errorf("warnings = %v with a grounded result", final.Warnings)
	}

	// The grounding rides the last user message of the prompt.
	chat := harness.model.lastChat(t)
	if chat.Messages[0].Role != "system" || chat.Messages[0].Content != "Be brief." {
		t.Errorf("system block = %+v", chat.Messages[0])
	}
	last := chat.Messages[len(chat.Messages)-1]
	if last.Role != "user" {
		t.Fatalf("last prompt message role = %q, want user", last.Role)
	}
	if !strings.Contains(last.Content, "Reference material:") ||
		!strings.Contains(last.Content, "previous release tag") {
		t.Errorf("prompt missing grounding: %q", last.Content)
	}

	// Contexts persist under the assistant message for audit.
	stored, err := harness.store.Contexts(ctx, final.Assistant.ID)
	if err != nil {
		t.Fatalf("Contexts: %v", err)
	}
	if len(stored) != 1 || stored[0].EntryID != entries[0].ID {
		t.Errorf("persisted contexts = %+v", stored)
	}
}

func TestPostMessageSecondTurnCarriesHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, scoutConfig())

	first := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		UserID:  "ren",
		Text:    "What is the deploy cadence?",
		ModelID: "scout",
	}))

	harness.model.script([]string{"Twice", " weekly."}, 2)
	stream, err := harness.service.PostMessage(ctx, convo.PostMessageRequest{
		ConversationID: first.final.Conversation.ID,
		UserID:         "ren",
		Text:           "And on Fridays?",
	})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	second := drainTurn(t, stream)

	// No model on the request: the conversation's selection holds.
	if second.final.Conversation.ModelID != "scout" {
		t.Errorf("model = %q, want scout", second.final.Conversation.ModelID)
	}
	if second.final.UserMessage.Seq != 3 || second.final.Assistant.Seq != 4 {
		t.Errorf("seqs = %d/%d, want 3/4", second.final.UserMessage.Seq, second.final.Assistant.Seq)
	}

	chat := harness.model.lastChat(t)
	want := []wireMessage{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "What is the deploy cadence?"},
		{Role: "assistant", Content: "Check the runbook."},
		{Role: "user", Content: "And on Fridays?"},
	}
	if len(chat.Messages) != len(want) {
		t.Fatalf("prompt carries %d messages, want %d", len(chat.Messages), len(want))
	}
	for i, message := range chat.Messages {
		if message != want[i] {
			t.Errorf("prompt[%d] = %+v, want %+v", i, message, want[i])
		}
	}
}

func TestPostMessageModelSwitch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, scoutConfig(), rangerConfig())

	first := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		UserID:  "ren",
		Text:    "Where are the deploy logs?",
		ModelID: "scout",
	}))
	conversationID := first.final.Conversation.ID

	second := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		ConversationID: conversationID,
		UserID:         "ren",
		Text:           "Search them for me.",
		ModelID:        "ranger",
	}))

	if got := second.final.Conversation.ModelID; got != "ranger" {
		t.Errorf("conversation model = %q, want ranger", got)
	}
	if got := second.final.Assistant.ModelID; got != "ranger" {
		t.Errorf("assistant model = %q, want ranger", got)
	}
	if got := harness.model.lastChat(t).Model; got != "ranger" {
		t.Errorf("wire model = %q, want ranger", got)
	}

	// Earlier messages are untouched by the switch.
	messages, err := harness.service.Messages(ctx, "ren", conversationID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(messages))
	}
	if messages[0].ID != first.final.UserMessage.ID || messages[1].ID != first.final.Assistant.ID {
		t.Error("first turn messages changed identity after the switch")
	}
	if messages[1].ModelID != "scout" {
		t.Errorf("first answer model = %q, want scout", messages[1].ModelID)
	}
}

func TestPostMessageBusyConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, scoutConfig())
	harness.model.script([]string{"thinking..."}, 1)
	harness.model.blockAfterDeltas(1)

	conversation, err := harness.service.CreateConversation(ctx, "ren", "", "scout")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	stream, err := harness.service.PostMessage(turnCtx, convo.PostMessageRequest{
		ConversationID: conversation.ID,
		UserID:         "ren",
		Text:           "Walk me through the release.",
	})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	// Pull to the first token so generation is provably in flight.
	for {
		event, err := stream.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if event.Type == convo.TurnEventToken {
			break
		}
	}

	_, err = harness.service.PostMessage(ctx, convo.PostMessageRequest{
		ConversationID: conversation.ID,
		UserID:         "ren",
		Text:           "Actually, another question.",
	})
	if !errors.Is(err, convo.ErrConversationBusy) {
		t.Fatalf("concurrent PostMessage = %v, want ErrConversationBusy", err)
	}
	if convo.Retryable(err) {
		t.Error("busy is reported retryable; it needs the first turn to finish")
	}
	if err := harness.service.DeleteConversation(ctx, "ren", conversation.ID); !errors.Is(err, convo.ErrConversationBusy) {
		t.Errorf("DeleteConversation while busy = %v, want ErrConversationBusy", err)
	}

	// Ending the first turn frees the slot.
	cancelTurn()
	cancelled := drainTurn(t, stream)
	if !cancelled.final.Cancelled {
		t.Error("cancelled turn not flagged")
	}

	harness.model.blockAfterDeltas(-1)
	harness.model.script([]string{"done"}, 1)
	retry := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		ConversationID: conversation.ID,
		UserID:         "ren",
		Text:           "Actually, another question.",
	}))
	if retry.final.Assistant == nil || retry.final.Assistant.Text != "done" {
		t.Errorf("turn after release = %+v", retry.final.Assistant)
	}
}

func TestPostMessageCancelPersistsPartial(t *testing.T) {
	t.Parallel()
	harness := newServiceHarness(t, scoutConfig())
	harness.model.script([]string{"one ", "two ", "three ", "four ", "five "}, 5)
	harness.model.blockAfterDeltas(3)

	turnCtx, cancelTurn := context.WithCancel(context.Background())
	defer cancelTurn()
	stream, err := harness.service.PostMessage(turnCtx, convo.PostMessageRequest{
		UserID:  "ren",
		Text:    "Tell me everything about the outage.",
		ModelID: "scout",
	})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	defer stream.Close()

	var tokens []string
	for len(tokens) < 3 {
		event, err := stream.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if event.Type == convo.TurnEventToken {
			tokens = append(tokens, event.Token)
		}
	}
	cancelTurn()

	var final *convo.TurnResult
	for {
		event, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next after cancel: %v", err)
		}
		if event.Type == convo.TurnEventFinal {
			final = event.Final
		}
	}
	if final == nil {
		t.Fatal("no final event after cancellation")
	}

	if !final.Cancelled {
		t.Error("final event not flagged cancelled")
	}
	if !hasWarning(final.Warnings, convo.WarningCancelled) {
		t.Errorf("warnings = %v, want generation-cancelled", final.Warnings)
	}
	if final.Assistant == nil {
		t.Fatal("partial answer not persisted")
	}
	if got, want := final.Assistant.Text, "one two three "; got != want {
		t.Errorf("partial text = %q, want %q", got, want)
	}
	if !final.Assistant.Incomplete {
		t.Error("partial answer not marked incomplete")
	}
	// No done line arrived, so tokens fall back to the ratio estimate.
	if got, want := final.Assistant.Tokens, len("one two three "); got != want {
		t.Errorf("partial tokens = %d, want %d", got, want)
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Err after cancellation = %v; cancellation is not an error", err)
	}

	messages, err := harness.service.Messages(context.Background(), "ren", final.Conversation.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 2 || !messages[1].Incomplete {
		t.Errorf("persisted %d messages, incomplete=%v; want 2 with an incomplete answer",
			len(messages), len(messages) == 2 && messages[1].Incomplete)
	}
}

func TestTurnStreamCloseCommitsPartial(t *testing.T) {
	t.Parallel()
	harness := newServiceHarness(t, scoutConfig())
	harness.model.script([]string{"alpha ", "beta ", "gamma ", "delta "}, 4)

	stream := mustPost(t, harness.service, convo.PostMessageRequest{
		UserID:  "ren",
		Text:    "Long answer, abandoned early.",
		ModelID: "scout",
	})

	seen := 0
	for seen < 2 {
		event, err := stream.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if event.Type == convo.TurnEventToken {
			seen++
		}
	}
	// Abandoning mid-stream behaves like a cancellation: the text
	// pulled so far commits, and no final event is produced.
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("Next after Close = %v, want io.EOF", err)
	}

	messages, err := harness.service.Messages(context.Background(), "ren", stream.ConversationID())
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(messages))
	}
	if got, want := messages[1].Text, "alpha beta "; got != want {
		t.Errorf("partial text = %q, want %q", got, want)
	}
	if !messages[1].Incomplete {
		t.Error("abandoned answer not marked incomplete")
	}

	// The slot is free again.
	harness.model.script([]string{"ok"}, 1)
	retry := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		ConversationID: stream.ConversationID(),
		UserID:         "ren",
		Text:           "Still there?",
	}))
	if retry.final.Assistant == nil {
		t.Error("turn after Close failed")
	}
}

func TestPostMessageValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, scoutConfig())

	if _, err := harness.service.PostMessage(ctx, convo.PostMessageRequest{
		UserID: "ren", Text: "   \n ", ModelID: "scout",
	}); !errors.Is(err, convo.ErrEmptyMessage) {
		t.Errorf("blank text = %v, want ErrEmptyMessage", err)
	}

	if _, err := harness.service.PostMessage(ctx, convo.PostMessageRequest{
		UserID: "ren", Text: "hi", ModelID: "mystery",
	}); !errors.Is(err, convo.ErrModelUnavailable) {
		t.Errorf("unknown model = %v, want ErrModelUnavailable", err)
	}

	if _, err := harness.service.PostMessage(ctx, convo.PostMessageRequest{
		ConversationID: "missing", UserID: "ren", Text: "hi", ModelID: "scout",
	}); !errors.Is(err, convo.ErrUnknownConversation) {
		t.Errorf("unknown conversation = %v, want ErrUnknownConversation", err)
	}

	// No model on the request and none remembered by the conversation.
	bare, err := harness.service.CreateConversation(ctx, "ren", "", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := harness.service.PostMessage(ctx, convo.PostMessageRequest{
		ConversationID: bare.ID, UserID: "ren", Text: "hi",
	}); !errors.Is(err, convo.ErrModelUnavailable) {
		t.Errorf("modelless post = %v, want ErrModelUnavailable", err)
	}

	// Another user's conversation reads as unknown, not forbidden.
	mine := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		UserID: "ren", Text: "mine", ModelID: "scout",
	}))
	if _, err := harness.service.PostMessage(ctx, convo.PostMessageRequest{
		ConversationID: mine.final.Conversation.ID, UserID: "kit", Text: "hi",
	}); !errors.Is(err, convo.ErrUnknownConversation) {
		t.Errorf("cross-user post = %v, want ErrUnknownConversation", err)
	}

	// None of the rejects left a busy slot behind.
	retry := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		ConversationID: mine.final.Conversation.ID, UserID: "ren", Text: "again",
	}))
	if retry.final.Assistant == nil {
		t.Error("follow-up turn failed after rejected attempts")
	}
}

func TestPostMessageSummarizesLongConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, pocketConfig())
	harness.model.setCompletion("Deploy talk so far.")

	conversation, err := harness.service.CreateConversation(ctx, "ren", "", "pocket")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	// Stored history: 30 + 30 tokens, then a user-only turn of 25.
	// With the 10-token post below, usage hits 95 of the 100-token
	// window, over the 90% threshold; clearing to 70% with the 5%
	// summary allowance needs 30 tokens, so the two oldest messages
	// (60 tokens) roll into the summary.
	if _, err := harness.store.CommitTurn(ctx, convo.TurnCommit{
		ConversationID: conversation.ID,
		ModelID:        "pocket",
		User:           convo.MessageDraft{Role: llm.RoleUser, Text: strings.Repeat("u", 30), Tokens: 30},
		Assistant:      &convo.MessageDraft{Role: llm.RoleAssistant, Text: strings.Repeat("a", 30), ModelID: "pocket", Tokens: 30},
	}); err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}
	if _, err := harness.store.CommitTurn(ctx, convo.TurnCommit{
		ConversationID: conversation.ID,
		ModelID:        "pocket",
		User:           convo.MessageDraft{Role: llm.RoleUser, Text: strings.Repeat("v", 25), Tokens: 25},
	}); err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}

	drained := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		ConversationID: conversation.ID,
		UserID:         "ren",
		Text:           strings.Repeat("q", 10),
	}))
	final := drained.final

	if final.Summary == nil {
		t.Fatalf("no summary produced; warnings = %v", final.Warnings)
	}
	if got, want := final.Summary.Text, "Deploy talk so far."; got != want {
		t.Errorf("summary text = %q, want %q", got, want)
	}
	if got, want := final.Summary.MessageCount, 2; got != want {
		t.Errorf("summary covers %d messages, want %d", got, want)
	}
	if got, want := final.Summary.Tokens, 19; got != want {
		t.Errorf("summary tokens = %d, want %d", got, want)
	}
	if got, want := final.Summary.TokensSaved, 41; got != want {
		t.Errorf("tokens saved = %d, want %d (60 rolled - 19 summary)", got, want)
	}
	if !final.Summary.Active {
		t.Error("new summary not active")
	}

	active, err := harness.store.ActiveSummary(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("ActiveSummary: %v", err)
	}
	if active == nil || active.ID != final.Summary.ID {
		t.Errorf("persisted active summary = %+v, want %q", active, final.Summary.ID)
	}

	// One non-streaming summarizer call, fed the rolled text.
	if got := harness.model.completionCount(); got != 1 {
		t.Fatalf("summarizer calls = %d, want 1", got)
	}
	completion := harness.model.lastCompletion(t)
	body := completion.Messages[len(completion.Messages)-1].Content
	if !strings.Contains(body, strings.Repeat("u", 30)) {
		t.Errorf("summarizer input missing the rolled messages: %q", body)
	}

	// The prompt carries the summary in the system block; the rolled
	// messages are gone, and the squeezed history budget drops the
	// 25-token message too.
	chat := harness.model.lastChat(t)
	if !strings.Contains(chat.Messages[0].Content, "Summary of the conversation so far:") ||
		!strings.Contains(chat.Messages[0].Content, "Deploy talk so far.") {
		t.Errorf("system block = %q, want embedded summary", chat.Messages[0].Content)
	}
	if len(chat.Messages) != 2 {
		t.Errorf("prompt carries %d messages, want system + new user turn", len(chat.Messages))
	}
	for _, message := range chat.Messages[1:] {
		if strings.Contains(message.Content, "uuu") || strings.Contains(message.Content, "aaa") {
			t.Errorf("rolled message leaked into the prompt: %q", message.Content)
		}
	}

	// Summarization brought usage to 54%: no budget warning.
	if hasWarning(final.Warnings, convo.WarningTokenBudget) {
		t.Errorf("warnings = %v after a clearing summarization", final.Warnings)
	}
}

func TestPostMessageWarnsNearBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, pocketConfig())

	conversation, err := harness.service.CreateConversation(ctx, "ren", "", "pocket")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	// 40 + 35 stored + 10 new = 85% of the window: warning territory,
	// below the 90% summarization threshold.
	if _, err := harness.store.CommitTurn(ctx, convo.TurnCommit{
		ConversationID: conversation.ID,
		ModelID:        "pocket",
		User:           convo.MessageDraft{Role: llm.RoleUser, Text: strings.Repeat("u", 40), Tokens: 40},
		Assistant:      &convo.MessageDraft{Role: llm.RoleAssistant, Text: strings.Repeat("a", 35), ModelID: "pocket", Tokens: 35},
	}); err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}

	drained := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		ConversationID: conversation.ID,
		UserID:         "ren",
		Text:           strings.Repeat("q", 10),
	}))
	final := drained.final

	if !hasWarning(final.Warnings, convo.WarningTokenBudget) {
		t.Errorf("warnings = %v, want token-budget", final.Warnings)
	}
	if !hasWarning(drained.warnings, convo.WarningTokenBudget) {
		t.Error("token-budget warning not delivered as a stream event")
	}
	if final.Summary != nil {
		t.Errorf("summary produced below the summarization threshold: %+v", final.Summary)
	}
	if got := harness.model.completionCount(); got != 0 {
		t.Errorf("summarizer called %d times, want 0", got)
	}
}

func TestConversationTitleDerivation(t *testing.T) {
	t.Parallel()
	harness := newServiceHarness(t, scoutConfig())

	multiline := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		UserID:  "ren",
		Text:    "Where are the deploy logs?\nAsking for a friend.",
		ModelID: "scout",
	}))
	if got, want := multiline.final.Conversation.Title, "Where are the deploy logs?"; got != want {
		t.Errorf("title = %q, want first line %q", got, want)
	}

	long := drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
		UserID:  "ren",
		Text:    strings.Repeat("x", 70),
		ModelID: "scout",
	}))
	if got, want := long.final.Conversation.Title, strings.Repeat("x", 60)+"…"; got != want {
		t.Errorf("title = %q, want truncated %q", got, want)
	}
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, scoutConfig())

	if _, err := harness.service.CreateConversation(ctx, "ren", "", "mystery"); !errors.Is(err, convo.ErrModelUnavailable) {
		t.Errorf("create with unknown model = %v, want ErrModelUnavailable", err)
	}

	created, err := harness.service.CreateConversation(ctx, "ren", "Deploys", "scout")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	detail, err := harness.service.GetConversation(ctx, "ren", created.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(detail.Messages) != 0 || detail.Summary != nil {
		t.Errorf("fresh conversation detail = %d messages, summary %v", len(detail.Messages), detail.Summary)
	}

	for _, text := range []string{"one", "two", "three"} {
		drainTurn(t, mustPost(t, harness.service, convo.PostMessageRequest{
			ConversationID: created.ID,
			UserID:         "ren",
			Text:           text,
		}))
	}

	detail, err = harness.service.GetConversation(ctx, "ren", created.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	// Six messages stored; the detail carries the recent five.
	if len(detail.Messages) != 5 {
		t.Fatalf("recent tail = %d messages, want 5", len(detail.Messages))
	}
	if detail.Messages[0].Seq != 2 || detail.Messages[4].Seq != 6 {
		t.Errorf("tail seqs = %d..%d, want 2..6", detail.Messages[0].Seq, detail.Messages[4].Seq)
	}
	// An explicit title is never overwritten by derivation.
	if detail.Conversation.Title != "Deploys" {
		t.Errorf("title = %q, want Deploys", detail.Conversation.Title)
	}

	if _, err := harness.service.GetConversation(ctx, "kit", created.ID); !errors.Is(err, convo.ErrUnknownConversation) {
		t.Errorf("cross-user get = %v, want ErrUnknownConversation", err)
	}

	listed, err := harness.service.ListConversations(ctx, "ren")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("listed %d conversations, want 1", len(listed))
	}

	if err := harness.service.DeleteConversation(ctx, "kit", created.ID); !errors.Is(err, convo.ErrUnknownConversation) {
		t.Errorf("cross-user delete = %v, want ErrUnknownConversation", err)
	}
	if err := harness.service.DeleteConversation(ctx, "ren", created.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := harness.service.GetConversation(ctx, "ren", created.ID); !errors.Is(err, convo.ErrUnknownConversation) {
		t.Errorf("get after delete = %v, want ErrUnknownConversation", err)
	}
}

func TestPruneContextsRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	harness := newServiceHarness(t, scoutConfig())

	conversation, err := harness.store.CreateConversation(ctx, "ren", "", "scout")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := harness.store.CommitTurn(ctx, convo.TurnCommit{
		ConversationID: conversation.ID,
		ModelID:        "scout",
		User:           userDraft("old question"),
		Assistant:      assistantDraft("old answer"),
		Contexts: []convo.ContextDraft{
			{EntryID: "entry-1", Title: "Old guide", Score: 0.9, Rank: 1, Text: "stale"},
			{EntryID: "entry-2", Title: "Older guide", Score: 0.5, Rank: 2, Text: "staler"},
		},
	}); err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}

	harness.clock.Advance(31 * 24 * time.Hour)
	fresh, err := harness.store.CommitTurn(ctx, convo.TurnCommit{
		ConversationID: conversation.ID,
		ModelID:        "scout",
		User:           userDraft("new question"),
		Assistant:      assistantDraft("new answer"),
		Contexts: []convo.ContextDraft{
			{EntryID: "entry-3", Title: "New guide", Score: 0.8, Rank: 1, Text: "fresh"},
		},
	})
	if err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}

	// Zero retention applies the 30-day default.
	removed, err := harness.service.PruneContexts(ctx, 0)
	if err != nil {
		t.Fatalf("PruneContexts: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	remaining, err := harness.store.Contexts(ctx, fresh.Assistant.ID)
	if err != nil {
		t.Fatalf("Contexts: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("fresh contexts = %d, want 1 surviving", len(remaining))
	}

	// Two days later a one-day window removes the rest.
	harness.clock.Advance(2 * 24 * time.Hour)
	removed, err = harness.service.PruneContexts(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneContexts: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
