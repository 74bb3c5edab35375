// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/convo"
	"github.com/loreworks/lore/lib/corpus"
	"github.com/loreworks/lore/lib/retrieval"
	"github.com/loreworks/lore/lib/sqlitepool"
)

var handlerEpoch = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

// fakeOllama answers the chat and embed endpoints with canned
// responses so handler tests can drive complete turns.
type fakeOllama struct {
	deltas []string
	vector []float32
}

func (fake *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", fake.handleChat)
	mux.HandleFunc("POST /api/embed", fake.handleEmbed)
	return mux
}

func (fake *fakeOllama) handleChat(writer http.ResponseWriter, request *http.Request) {
	var wireRequest struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	encoder := json.NewEncoder(writer)
	if !wireRequest.Stream {
		writer.Header().Set("Content-Type", "application/json")
		encoder.Encode(map[string]any{
			"model":       wireRequest.Model,
			"message":     map[string]string{"role": "assistant", "content": "Summary."},
			"done":        true,
			"done_reason": "stop",
			"eval_count":  int64(8),
		})
		return
	}

	writer.Header().Set("Content-Type", "application/x-ndjson")
	flusher := writer.(http.Flusher)
	for _, delta := range fake.deltas {
		encoder.Encode(map[string]any{
			"model":   wireRequest.Model,
			"message": map[string]string{"role": "assistant", "content": delta},
			"done":    false,
		})
		flusher.Flush()
	}
	encoder.Encode(map[string]any{
		"model":             wireRequest.Model,
		"done":              true,
		"done_reason":       "stop",
		"prompt_eval_count": int64(20),
		"eval_count":        int64(len(fake.deltas)),
	})
	flusher.Flush()
}

func (fake *fakeOllama) handleEmbed(writer http.ResponseWriter, request *http.Request) {
	var wireRequest struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	vectors := make([][]float32, len(wireRequest.Input))
	for i := range vectors {
		vectors[i] = fake.vector
	}
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]any{
		"model":      wireRequest.Model,
		"embeddings": vectors,
	})
}

// serverHarness drives the API handler over a real pipeline: SQLite
// in a temp dir, a fake Ollama server, and a fake clock.
type serverHarness struct {
	handler http.Handler
	corpus  *corpus.Store
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	ctx := context.Background()
	ticker := clock.Fake(handlerEpoch)

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
	err = catalogStore.Seed(ctx, []catalog.ModelConfiguration{
		{
			ID:               "scout",
			Provider:         catalog.ProviderOllama,
			DisplayName:      "Scout",
			EmbeddingModel:   "scout-embed",
			EmbeddingDim:     3,
			MaxContextTokens: 4096,
			CharsPerToken:    1,
			Active:           true,
		},
		{
			ID:               "attic",
			Provider:         catalog.ProviderOllama,
			DisplayName:      "Attic",
			MaxContextTokens: 4096,
			Active:           false,
		},
	})
	if err != nil {
		t.Fatalf("seeding models: %v", err)
	}

	fake := &fakeOllama{
		deltas: []string{"Check", " the", " runbook."},
		vector: []float32{1, 0, 0},
	}
	modelServer := httptest.NewServer(fake.handler())
	t.Cleanup(modelServer.Close)

	orchestrator := catalog.NewOrchestrator(catalog.OrchestratorConfig{
		Store:      catalogStore,
		HTTPClient: modelServer.Client(),
		Endpoints:  catalog.Endpoints{Ollama: modelServer.URL},
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

	engine := retrieval.NewEngine(retrieval.Config{Store: corpusStore, Clock: ticker})
	conversations := convo.NewService(convo.ServiceConfig{
		Store:        convoStore,
		Catalog:      orchestrator,
		Retrieval:    engine,
		SystemPrompt: "Be brief.",
		Clock:        ticker,
	})

	api := NewServer(ServerConfig{
		Conversations: conversations,
		Models:        orchestrator,
		Search:        engine,
		Corpus:        corpusStore,
		Pool:          pool,
	})
	return &serverHarness{handler: api.Handler(), corpus: corpusStore}
}

// do runs one request through the handler. A nil body sends no body;
// anything else is JSON-encoded.
func (harness *serverHarness) do(t *testing.T, method, target, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	if user != "" {
		request.Header.Set("X-Lore-User", user)
	}
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decoding response %q: %v", recorder.Body.String(), err)
	}
	return value
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for block := range strings.SplitSeq(strings.TrimSpace(body), "\n\n") {
		name, data, found := strings.Cut(block, "\n")
		if !found {
			t.Fatalf("malformed event block %q", block)
		}
		events = append(events, sseEvent{
			name: strings.TrimPrefix(name, "event: "),
			data: strings.TrimPrefix(data, "data: "),
		})
	}
	return events
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t)

	created := harness.do(t, "POST", "/api/conversations", "",
		map[string]string{"title": "Deploy notes", "model": "scout"})
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", created.Code, created.Body)
	}
	conversation := decodeBody[convo.Conversation](t, created)
	if conversation.ID == "" {
		t.Fatal("created conversation has no id")
	}
	if conversation.UserID != "local" {
		t.Errorf("UserID = %q, want %q for a headerless request", conversation.UserID, "local")
	}
	if conversation.Title != "Deploy notes" || conversation.ModelID != "scout" {
		t.Errorf("conversation = %+v, want title and model preserved", conversation)
	}

	listed := harness.do(t, "GET", "/api/conversations", "", nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("list status = %d", listed.Code)
	}
	list := decodeBody[struct {
		Conversations []convo.Conversation `json:"conversations"`
	}](t, listed)
	if len(list.Conversations) != 1 || list.Conversations[0].ID != conversation.ID {
		t.Errorf("list = %+v, want the one created conversation", list.Conversations)
	}

	fetched := harness.do(t, "GET", "/api/conversations/"+conversation.ID, "", nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("get status = %d", fetched.Code)
	}
	detail := decodeBody[convo.ConversationDetail](t, fetched)
	if detail.Conversation.ID != conversation.ID {
		t.Errorf("detail conversation = %q, want %q", detail.Conversation.ID, conversation.ID)
	}
	if len(detail.Messages) != 0 {
		t.Errorf("new conversation has %d messages, want 0", len(detail.Messages))
	}

	deleted := harness.do(t, "DELETE", "/api/conversations/"+conversation.ID, "", nil)
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", deleted.Code)
	}
	gone := harness.do(t, "GET", "/api/conversations/"+conversation.ID, "", nil)
	if gone.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", gone.Code)
	}
}

func TestConversationsScopedToUser(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t)

	created := harness.do(t, "POST", "/api/conversations", "morgan",
		map[string]string{"model": "scout"})
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d", created.Code)
	}
	conversation := decodeBody[convo.Conversation](t, created)
	if conversation.UserID != "morgan" {
		t.Errorf("UserID = %q, want %q", conversation.UserID, "morgan")
	}

	// Another user neither lists nor reads nor deletes it.
	listed := decodeBody[struct {
		Conversations []convo.Conversation `json:"conversations"`
	}](t, harness.do(t, "GET", "/api/conversations", "casey", nil))
	if len(listed.Conversations) != 0 {
		t.Errorf("other user sees %d conversations, want 0", len(listed.Conversations))
	}
	if code := harness.do(t, "GET", "/api/conversations/"+conversation.ID, "casey", nil).Code; code != http.StatusNotFound {
		t.Errorf("cross-user get status = %d, want 404", code)
	}
	if code := harness.do(t, "DELETE", "/api/conversations/"+conversation.ID, "casey", nil).Code; code != http.StatusNotFound {
		t.Errorf("cross-user delete status = %d, want 404", code)
	}
}

func TestCreateConversationUnknownModel(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t)

	recorder := harness.do(t, "POST", "/api/conversations", "",
		map[string]string{"model": "phantom"})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", recorder.Code)
	}
	failure := decodeBody[struct {
		Error string `json:"error"`
	}](t, recorder)
	if !strings.Contains(failure.Error, "phantom") {
		t.Errorf("error %q does not name the model", failure.Error)
	}
}

func TestPostMessageStreamsTurn(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t)

	created := decodeBody[convo.Conversation](t, harness.do(t, "POST", "/api/conversations", "",
		map[string]string{"model": "scout"}))

	recorder := harness.do(t, "POST", "/api/conversations/"+created.ID+"/messages", "",
		map[string]string{"text": "Where is the deploy runbook?"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	if contentType := recorder.Header().Get("Content-Type"); contentType != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", contentType)
	}

	events := parseSSE(t, recorder.Body.String())
	var tokens []string
	var warnings []string
	var finalData string
	for _, event := range events {
		switch event.name {
		case "token":
			token := decodeEvent[struct {
				Token      string `json:"token"`
				TokenCount int    `json:"tokenCount"`
			}](t, event)
			tokens = append(tokens, token.Token)
		case "warning":
			warning := decodeEvent[struct {
				Warning string `json:"warning"`
			}](t, event)
			warnings = append(warnings, warning.Warning)
		case "final":
			finalData = event.data
		default:
			t.Errorf("unexpected event %q", event.name)
		}
	}

	if got := strings.Join(tokens, ""); got != "Check the runbook." {
		t.Errorf("streamed text = %q, want %q", got, "Check the runbook.")
	}
	// The corpus is empty, so the turn warns that it ran ungrounded.
	if len(warnings) == 0 || warnings[0] != string(convo.WarningNoRelevantContext) {
		t.Errorf("warnings = %v, want leading %q", warnings, convo.WarningNoRelevantContext)
	}
	if finalData == "" {
		t.Fatal("stream ended without a final event")
	}
	var result convo.TurnResult
	if err := json.Unmarshal([]byte(finalData), &result); err != nil {
		t.Fatalf("decoding final event %q: %v", finalData, err)
	}
	if result.Assistant == nil || result.Assistant.Text != "Check the runbook." {
		t.Errorf("final assistant = %+v, want the persisted reply", result.Assistant)
	}
	if result.Conversation.ID != created.ID {
		t.Errorf("final conversation = %q, want %q", result.Conversation.ID, created.ID)
	}

	// Both sides of the turn are durable.
	detail := decodeBody[convo.ConversationDetail](t,
		harness.do(t, "GET", "/api/conversations/"+created.ID, "", nil))
	if len(detail.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(detail.Messages))
	}
	if detail.Messages[0].Role != "user" || detail.Messages[1].Role != "assistant" {
		t.Errorf("roles = %q, %q, want user then assistant",
			detail.Messages[0].Role, detail.Messages[1].Role)
	}
}

func TestPostMessageValidation(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t)

	created := decodeBody[convo.Conversation](t, harness.do(t, "POST", "/api/conversations", "",
		map[string]string{"model": "scout"}))

	tests := []struct {
		name   string
		target string
		body   map[string]string
		want   int
	}{
		{
			name:   "empty_text",
			target: "/api/conversations/" + created.ID + "/messages",
			body:   map[string]string{"text": "   "},
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown_conversation",
			target: "/api/conversations/no-such-id/messages",
			body:   map[string]string{"text": "hello"},
			want:   http.StatusNotFound,
		},
		{
			name:   "unknown_model",
			target: "/api/conversations/" + created.ID + "/messages",
			body:   map[string]string{"text": "hello", "model": "phantom"},
			want:   http.StatusConflict,
		},
		{
			name:   "inactive_model",
			target: "/api/conversations/" + created.ID + "/messages",
			body:   map[string]string{"text": "hello", "model": "attic"},
			want:   http.StatusConflict,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			recorder := harness.do(t, "POST", test.target, "", test.body)
			if recorder.Code != test.want {
				t.Errorf("status = %d, want %d (body %s)", recorder.Code, test.want, recorder.Body)
			}
			if contentType := recorder.Header().Get("Content-Type"); contentType != "application/json" {
				t.Errorf("Content-Type = %q, want a JSON error before any stream", contentType)
			}
		})
	}
}

func TestWriteServiceErrorStatusMapping(t *testing.T) {
	t.Parallel()
	server := NewServer(ServerConfig{})

	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"empty_message", convo.ErrEmptyMessage, http.StatusBadRequest, false},
		{"unknown_conversation", convo.ErrUnknownConversation, http.StatusNotFound, false},
		{"model_unavailable", convo.ErrModelUnavailable, http.StatusConflict, false},
		{"busy", convo.ErrConversationBusy, http.StatusTooManyRequests, false},
		{"wrapped_busy", fmt.Errorf("posting message: %w", convo.ErrConversationBusy), http.StatusTooManyRequests, false},
		{"persistence", convo.ErrPersistenceFailure, http.StatusInternalServerError, true},
		{"unrecognized", errors.New("disk on fire"), http.StatusInternalServerError, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			server.writeServiceError(recorder, test.err)
			if recorder.Code != test.status {
				t.Errorf("status = %d, want %d", recorder.Code, test.status)
			}
			response := decodeBody[errorResponse](t, recorder)
			if response.Retryable != test.retryable {
				t.Errorf("retryable = %t, want %t", response.Retryable, test.retryable)
			}
		})
	}
}

func TestModelsEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t)

	recorder := harness.do(t, "GET", "/api/models", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	response := decodeBody[struct {
		Models []catalog.ModelStatus `json:"models"`
	}](t, recorder)
	// The inactive model is filtered; only usable ones come back.
	if len(response.Models) != 1 || response.Models[0].ID != "scout" {
		t.Errorf("models = %+v, want just scout", response.Models)
	}
	if !response.Models[0].Usable {
		t.Error("scout reported unusable")
	}
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t)
	ctx := context.Background()

	persisted, err := harness.corpus.ReplaceOrigin(ctx, "guides/deploys.md", []corpus.Entry{
		{Title: "Rollout", Text: "Deploy to production with the staged rollout checklist."},
	})
	if err != nil {
		t.Fatalf("ReplaceOrigin: %v", err)
	}
	if err := harness.corpus.PutEmbedding(ctx, persisted[0].ID, "ollama", "scout-embed", []float32{1, 0, 0}); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}

	recorder := harness.do(t, "GET", "/api/search?q=staged+rollout&model=scout", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	result := decodeBody[retrieval.Result](t, recorder)
	if len(result.Contexts) != 1 || result.Contexts[0].EntryID != persisted[0].ID {
		t.Fatalf("contexts = %+v, want the seeded entry", result.Contexts)
	}
	if result.Contexts[0].Score <= 0 {
		t.Errorf("score = %v, want > 0", result.Contexts[0].Score)
	}

	if code := harness.do(t, "GET", "/api/search?model=scout", "", nil).Code; code != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", code)
	}
	if code := harness.do(t, "GET", "/api/search?q=rollout", "", nil).Code; code != http.StatusBadRequest {
		t.Errorf("missing model status = %d, want 400", code)
	}
	if code := harness.do(t, "GET", "/api/search?q=rollout&model=phantom", "", nil).Code; code != http.StatusConflict {
		t.Errorf("unknown model status = %d, want 409", code)
	}
}

func TestCorpusStatusEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t)
	ctx := context.Background()

	persisted, err := harness.corpus.ReplaceOrigin(ctx, "guides/deploys.md", []corpus.Entry{
		{Title: "Rollout", Text: "Deploy with the checklist."},
		{Title: "Paging", Text: "Escalate after two unanswered pages."},
	})
	if err != nil {
		t.Fatalf("ReplaceOrigin: %v", err)
	}
	if err := harness.corpus.PutEmbedding(ctx, persisted[0].ID, "ollama", "scout-embed", []float32{1, 0, 0}); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}

	recorder := harness.do(t, "GET", "/api/corpus/status", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	stats := decodeBody[corpus.Stats](t, recorder)
	if stats.Entries != 2 || stats.Origins != 1 {
		t.Errorf("stats = %+v, want 2 entries across 1 origin", stats)
	}
	if stats.Providers["ollama"] != 1 {
		t.Errorf("ollama coverage = %d, want 1", stats.Providers["ollama"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	harness := newServerHarness(t)

	recorder := harness.do(t, "GET", "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	health := decodeBody[struct {
		Status   string `json:"status"`
		Database string `json:"database"`
		Models   int    `json:"models"`
	}](t, recorder)
	if health.Status != "ok" || health.Database != "ok" {
		t.Errorf("health = %+v, want ok", health)
	}
	// Inactive models still count: health reports catalog size.
	if health.Models != 2 {
		t.Errorf("models = %d, want 2", health.Models)
	}
}

func decodeEvent[T any](t *testing.T, event sseEvent) T {
	t.Helper()
	var value T
	if err := json.Unmarshal([]byte(event.data), &value); err != nil {
		t.Fatalf("decoding %s event %q: %v", event.name, event.data, err)
	}
	return value
}
