// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/convo"
	"github.com/loreworks/lore/lib/llm"
)

// apply runs one message through Update and narrows the result back
// to the chat model.
func apply(t *testing.T, model Model, message tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := model.Update(message)
	chat, ok := updated.(Model)
	if !ok {
		t.Fatalf("Update returned %T", updated)
	}
	return chat, cmd
}

// runCmd executes a command tree and returns the messages it
// produces, flattening batches. Nothing is fed back into the model;
// callers pick the messages they care about.
func runCmd(cmd tea.Cmd) []tea.Msg {
	var messages []tea.Msg
	queue := []tea.Cmd{cmd}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next == nil {
			continue
		}
		message := next()
		if message == nil {
			continue
		}
		if batch, ok := message.(tea.BatchMsg); ok {
			queue = append(queue, batch...)
			continue
		}
		messages = append(messages, message)
	}
	return messages
}

// pumpTurn drives a just-sent turn to completion: it executes each
// returned command, feeds the network messages back in, and stops
// when the model stops asking for more. Spinner ticks and cursor
// blinks are dropped rather than fed back, so nothing here waits on
// real timers.
func pumpTurn(t *testing.T, model Model, cmd tea.Cmd) Model {
	t.Helper()
	for range 100 {
		if cmd == nil {
			return model
		}
		var event tea.Msg
		for _, message := range runCmd(cmd) {
			switch message.(type) {
			case turnStartedMsg, streamEventMsg:
				event = message
			}
		}
		if event == nil {
			return model
		}
		model, cmd = apply(t, model, event)
	}
	t.Fatal("turn did not settle after 100 events")
	return model
}

func testModelStatuses() []catalog.ModelStatus {
	return []catalog.ModelStatus{
		{ModelConfiguration: catalog.ModelConfiguration{ID: "scout", DisplayName: "Scout"}, Usable: true},
		{ModelConfiguration: catalog.ModelConfiguration{ID: "attic", DisplayName: "Attic"}, Usable: true, EmbeddingGap: true},
	}
}

// newChatModel builds a sized model wired to the given fake service.
func newChatModel(t *testing.T, handler http.Handler) Model {
	t.Helper()
	client := newTestClient(t, handler)
	model := NewModel(ModelConfig{Client: client, ModelID: "scout"})
	sized, _ := apply(t, model, tea.WindowSizeMsg{Width: 100, Height: 30})
	return sized
}

func finalEvent(t *testing.T, result convo.TurnResult) string {
	t.Helper()
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	return sseEvent("final", string(data))
}

// turnService fakes the conversation service for one full turn.
func turnService(t *testing.T, events ...string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations", func(writer http.ResponseWriter, request *http.Request) {
		fmt.Fprint(writer, `{"id":"conv-1","userId":"local","title":"how do we deploy?","modelId":"scout"}`)
	})
	mux.HandleFunc("POST /api/conversations/{id}/messages", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "text/event-stream")
		for _, event := range events {
			fmt.Fprint(writer, event)
		}
	})
	return mux
}

func TestChatInitLoadsUsableModels(t *testing.T) {
	t.Parallel()
	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		fmt.Fprint(writer, `{"models":[{"id":"scout","displayName":"Scout","usable":true}]}`)
	})
	client := newTestClient(t, handler)
	model := NewModel(ModelConfig{Client: client})

	var loaded tea.Msg
	for _, message := range runCmd(model.Init()) {
		if _, ok := message.(modelsLoadedMsg); ok {
			loaded = message
		}
	}
	if loaded == nil {
		t.Fatal("Init produced no modelsLoadedMsg")
	}
	model, _ = apply(t, model, loaded)
	if model.modelID != "scout" {
		t.Errorf("modelID = %q, want the first usable model", model.modelID)
	}
}

func TestChatSendStreamsReply(t *testing.T) {
	t.Parallel()
	final := convo.TurnResult{
		Conversation: convo.Conversation{ID: "conv-1", Title: "how do we deploy?", ModelID: "scout"},
		Assistant: &convo.Message{
			ID: "msg-2", Role: llm.RoleAssistant, ModelID: "scout",
			Text: "Check the runbook.",
		},
		Contexts: []convo.KnowledgeContext{{EntryID: "e1", Title: "Deploy Guide", Rank: 1}},
	}
	model := newChatModel(t, turnService(t,
		sseEvent("token", `{"token":"Check","tokenCount":1}`),
		sseEvent("token", `{"token":" the runbook.","tokenCount":3}`),
		finalEvent(t, final),
	))

	model.input.SetValue("how do we deploy?")
	model, cmd := apply(t, model, tea.KeyMsg{Type: tea.KeyEnter})
	if !model.waiting {
		t.Fatal("model not waiting after send")
	}
	model = pumpTurn(t, model, cmd)

	if model.waiting {
		t.Error("still waiting after final event")
	}
	if model.conversation == nil || model.conversation.ID != "conv-1" {
		t.Fatalf("conversation = %+v", model.conversation)
	}
	if len(model.entries) != 2 {
		t.Fatalf("entries = %d, want user + assistant", len(model.entries))
	}
	if model.entries[1].text != "Check the runbook." {
		t.Errorf("assistant text = %q", model.entries[1].text)
	}

	view := ansi.Strip(model.View())
	if !strings.Contains(view, "Check the runbook.") {
		t.Errorf("view missing reply:\n%s", view)
	}
	if !strings.Contains(view, "Deploy Guide") {
		t.Errorf("view missing grounding citation:\n%s", view)
	}
	if !strings.Contains(view, "how do we deploy?") {
		t.Errorf("view missing conversation title:\n%s", view)
	}
}

func TestChatSendEmptyInputIsIgnored(t *testing.T) {
	t.Parallel()
	model := newChatModel(t, http.NotFoundHandler())

	model.input.SetValue("   ")
	model, cmd := apply(t, model, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Error("expected no command for blank input")
	}
	if model.waiting || len(model.entries) != 0 {
		t.Errorf("blank send changed state: waiting=%v entries=%d", model.waiting, len(model.entries))
	}
}

func TestChatTurnWarningsReachStatusLine(t *testing.T) {
	t.Parallel()
	final := convo.TurnResult{
		Conversation: convo.Conversation{ID: "conv-1", ModelID: "scout"},
		Assistant:    &convo.Message{ID: "msg-2", Role: llm.RoleAssistant, Text: "Short."},
		Warnings:     []convo.Warning{convo.WarningTokenBudget},
	}
	model := newChatModel(t, turnService(t,
		sseEvent("warning", `{"warning":"token-budget"}`),
		sseEvent("token", `{"token":"Short.","tokenCount":1}`),
		finalEvent(t, final),
	))

	model.input.SetValue("summarize everything")
	model, cmd := apply(t, model, tea.KeyMsg{Type: tea.KeyEnter})
	model = pumpTurn(t, model, cmd)

	view := ansi.Strip(model.View())
	if !strings.Contains(view, "context above 80%") {
		t.Errorf("view missing token-budget warning:\n%s", view)
	}
}

func TestChatPreStreamErrorRestoresInput(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations", func(writer http.ResponseWriter, request *http.Request) {
		fmt.Fprint(writer, `{"id":"conv-1","userId":"local","modelId":"scout"}`)
	})
	mux.HandleFunc("POST /api/conversations/{id}/messages", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusConflict)
		fmt.Fprint(writer, `{"error":"model not usable: no active credential"}`)
	})
	model := newChatModel(t, mux)

	model.input.SetValue("hello there")
	model, cmd := apply(t, model, tea.KeyMsg{Type: tea.KeyEnter})
	model = pumpTurn(t, model, cmd)

	if model.waiting {
		t.Error("still waiting after failed send")
	}
	if model.errText == "" {
		t.Error("expected an error message")
	}
	// The text goes back into the input instead of being lost.
	if got := model.input.Value(); got != "hello there" {
		t.Errorf("input = %q, want original text restored", got)
	}
	if len(model.entries) != 0 {
		t.Errorf("entries = %d, want the unsent message removed", len(model.entries))
	}
}

func TestChatEscCancelsInFlightTurn(t *testing.T) {
	t.Parallel()
	model := newChatModel(t, turnService(t,
		sseEvent("token", `{"token":"Partial","tokenCount":1}`),
	))

	model.input.SetValue("long question")
	model, cmd := apply(t, model, tea.KeyMsg{Type: tea.KeyEnter})

	// Start the turn and take the first token, leaving the stream
	// open.
	var started tea.Msg
	for _, message := range runCmd(cmd) {
		if _, ok := message.(turnStartedMsg); ok {
			started = message
		}
	}
	if started == nil {
		t.Fatal("no turnStartedMsg")
	}
	model, _ = apply(t, model, started)
	model, _ = apply(t, model, streamEventMsg{event: StreamEvent{
		Type: StreamEventToken, Token: "Partial", TokenCount: 1,
	}})

	model, _ = apply(t, model, tea.KeyMsg{Type: tea.KeyEsc})
	if !model.cancelling {
		t.Fatal("esc did not mark the turn cancelling")
	}

	// The cancelled request surfaces as a read error on the stream.
	model, _ = apply(t, model, streamEventMsg{err: context.Canceled})

	if model.waiting {
		t.Error("still waiting after cancellation")
	}
	if len(model.entries) != 2 {
		t.Fatalf("entries = %d, want user + partial assistant", len(model.entries))
	}
	last := model.entries[len(model.entries)-1]
	if !last.incomplete || last.text != "Partial" {
		t.Errorf("partial entry = %+v, want incomplete %q", last, "Partial")
	}
	if !strings.Contains(ansi.Strip(model.View()), "(incomplete)") {
		t.Error("view missing incomplete marker")
	}
}

func TestChatModelPicker(t *testing.T) {
	t.Parallel()
	model := newChatModel(t, http.NotFoundHandler())
	model, _ = apply(t, model, modelsLoadedMsg{models: testModelStatuses()})

	model, _ = apply(t, model, tea.KeyMsg{Type: tea.KeyCtrlP})
	if model.picker == nil {
		t.Fatal("ctrl+p did not open the model picker")
	}

	for _, r := range "att" {
		model, _ = apply(t, model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	model, _ = apply(t, model, tea.KeyMsg{Type: tea.KeyEnter})

	if model.picker != nil {
		t.Error("picker still open after selection")
	}
	if model.modelID != "attic" {
		t.Errorf("modelID = %q, want attic", model.modelID)
	}
}

func TestChatPickerEscOnlyDismisses(t *testing.T) {
	t.Parallel()
	model := newChatModel(t, http.NotFoundHandler())
	model, _ = apply(t, model, modelsLoadedMsg{models: testModelStatuses()})

	model, _ = apply(t, model, tea.KeyMsg{Type: tea.KeyCtrlP})
	model, _ = apply(t, model, tea.KeyMsg{Type: tea.KeyEsc})

	if model.picker != nil {
		t.Error("esc did not dismiss the picker")
	}
	if model.modelID != "scout" {
		t.Errorf("modelID = %q, dismissal must not change the model", model.modelID)
	}
}

func TestChatConversationPickerOpensConversation(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(writer http.ResponseWriter, request *http.Request) {
		fmt.Fprint(writer, `{"conversations":[`+
			`{"id":"conv-7","userId":"local","title":"pool sizing","modelId":"scout"},`+
			`{"id":"conv-8","userId":"local","title":"rollout plan","modelId":"scout"}]}`)
	})
	mux.HandleFunc("GET /api/conversations/{id}", func(writer http.ResponseWriter, request *http.Request) {
		if got := request.PathValue("id"); got != "conv-8" {
			t.Errorf("opened %q, want conv-8", got)
		}
		fmt.Fprint(writer, `{"conversation":{"id":"conv-8","userId":"local","title":"rollout plan","modelId":"scout"},`+
			`"messages":[{"id":"m1","role":"user","text":"how do we roll out?"},`+
			`{"id":"m2","role":"assistant","modelId":"scout","text":"In stages."}]}`)
	})
	model := newChatModel(t, mux)

	model, cmd := apply(t, model, tea.KeyMsg{Type: tea.KeyCtrlO})
	for _, message := range runCmd(cmd) {
		if _, ok := message.(conversationsLoadedMsg); ok {
			model, _ = apply(t, model, message)
		}
	}
	if model.picker == nil {
		t.Fatal("conversation picker did not open")
	}

	for _, r := range "rollout" {
		model, _ = apply(t, model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	model, cmd = apply(t, model, tea.KeyMsg{Type: tea.KeyEnter})
	for _, message := range runCmd(cmd) {
		if _, ok := message.(conversationOpenedMsg); ok {
			model, _ = apply(t, model, message)
		}
	}

	if model.conversation == nil || model.conversation.ID != "conv-8" {
		t.Fatalf("conversation = %+v, want conv-8", model.conversation)
	}
	if len(model.entries) != 2 {
		t.Fatalf("entries = %d, want the fetched tail", len(model.entries))
	}
	view := ansi.Strip(model.View())
	if !strings.Contains(view, "In stages.") {
		t.Errorf("view missing fetched reply:\n%s", view)
	}
}

func TestChatNewConversationResets(t *testing.T) {
	t.Parallel()
	model := newChatModel(t, http.NotFoundHandler())
	model.conversation = &convo.Conversation{ID: "conv-1", Title: "old chat", ModelID: "scout"}
	model.entries = []transcriptEntry{{role: llm.RoleUser, text: "old message"}}
	model.refreshTranscript()

	model, _ = apply(t, model, tea.KeyMsg{Type: tea.KeyCtrlN})

	if model.conversation != nil || len(model.entries) != 0 {
		t.Errorf("ctrl+n left state behind: conversation=%v entries=%d",
			model.conversation, len(model.entries))
	}
	view := ansi.Strip(model.View())
	if !strings.Contains(view, "new conversation") {
		t.Errorf("view missing new-conversation header:\n%s", view)
	}
	if strings.Contains(view, "old message") {
		t.Errorf("view still shows the old transcript:\n%s", view)
	}
}

func TestChatSummaryMarkerInTranscript(t *testing.T) {
	t.Parallel()
	detail := &convo.ConversationDetail{
		Conversation: convo.Conversation{ID: "conv-9", Title: "long chat", ModelID: "scout"},
		Messages: []convo.Message{
			{ID: "m5", Role: llm.RoleUser, Text: "latest question"},
		},
		Summary: &convo.Summary{ID: "s1", Text: "They discussed pools.", MessageCount: 6},
	}
	model := newChatModel(t, http.NotFoundHandler())
	model, _ = apply(t, model, conversationOpenedMsg{detail: detail})

	view := ansi.Strip(model.View())
	if !strings.Contains(view, "6 earlier messages summarized") {
		t.Errorf("view missing summary marker:\n%s", view)
	}
	if !strings.Contains(view, "latest question") {
		t.Errorf("view missing message tail:\n%s", view)
	}
}

func TestChatHelpLineListsBindings(t *testing.T) {
	t.Parallel()
	model := newChatModel(t, http.NotFoundHandler())

	view := ansi.Strip(model.View())
	for _, want := range []string{"enter", "ctrl+p", "ctrl+o", "ctrl+n"} {
		if !strings.Contains(view, want) {
			t.Errorf("help line missing %q:\n%s", want, view)
		}
	}
}
