// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/convo"
	"github.com/loreworks/lore/lib/llm"
)

// Chrome rows around the transcript: header, status line, input box,
// help line.
const (
	inputHeight  = 3
	chromeHeight = 1 + 1 + inputHeight + 1

	// titleLimit caps the auto-title taken from the first message of
	// a new conversation.
	titleLimit = 48
)

// pickerKind says what an open picker is choosing.
type pickerKind int

const (
	pickerModels pickerKind = iota
	pickerConversations
)

// Messages delivered through the bubbletea loop.

type modelsLoadedMsg struct {
	models []catalog.ModelStatus
	err    error
}

type conversationsLoadedMsg struct {
	conversations []convo.Conversation
	err           error
}

type conversationOpenedMsg struct {
	detail *convo.ConversationDetail
	err    error
}

// turnStartedMsg reports the PostMessage call. conversation is set
// when the turn had to create the conversation first.
type turnStartedMsg struct {
	stream       *MessageStream
	conversation *convo.Conversation
	err          error
}

type streamEventMsg struct {
	event StreamEvent
	err   error
}

// transcriptEntry is one rendered block of the conversation.
type transcriptEntry struct {
	role       llm.Role
	text       string
	modelID    string
	contexts   []convo.KnowledgeContext
	incomplete bool
}

// ModelConfig configures the chat model.
type ModelConfig struct {
	// Client talks to the conversation service. Required.
	Client *Client

	// ModelID preselects a model. Empty picks the first usable model
	// once the list loads.
	ModelID string

	// Theme defaults to DefaultTheme when zero.
	Theme Theme

	// Keys defaults to DefaultKeyMap when zero.
	Keys *KeyMap
}

// Model is the bubbletea model for the chat screen: a transcript
// viewport over a multi-line input, with modal pickers for models and
// conversations, and a streaming in-flight turn.
type Model struct {
	client *Client
	theme  Theme
	keys   KeyMap

	width  int
	height int
	ready  bool

	models  []catalog.ModelStatus
	modelID string

	conversation *convo.Conversation
	entries      []transcriptEntry

	transcript viewport.Model
	input      textarea.Model
	spin       spinner.Model

	// In-flight turn state. pending accumulates streamed tokens; the
	// final event replaces it with the persisted reply.
	waiting       bool
	cancelling    bool
	pending       strings.Builder
	pendingTokens int
	stream        *MessageStream
	cancelTurn    context.CancelFunc

	picker     *Picker
	pickerKind pickerKind

	warnings []convo.Warning
	notice   string
	errText  string
}

// NewModel returns the chat model. Call through a tea.Program; the
// model loads the usable-model list on Init.
func NewModel(config ModelConfig) Model {
	theme := config.Theme
	if theme == (Theme{}) {
		theme = DefaultTheme
	}
	keys := DefaultKeyMap
	if config.Keys != nil {
		keys = *config.Keys
	}

	input := textarea.New()
	input.Placeholder = "Ask the corpus…"
	input.Prompt = "┃ "
	input.ShowLineNumbers = false
	input.CharLimit = 0
	input.SetHeight(inputHeight)
	// Enter submits; the line-break binding moves off it.
	input.KeyMap.InsertNewline = keys.NewLine
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(theme.AssistantLabel)

	return Model{
		client:  config.Client,
		theme:   theme,
		keys:    keys,
		modelID: config.ModelID,
		input:   input,
		spin:    spin,
	}
}

func (model Model) Init() tea.Cmd {
	return tea.Batch(model.loadModels(), textarea.Blink)
}

// Run starts the chat TUI in the alternate screen and blocks until
// the user quits.
func Run(config ModelConfig) error {
	program := tea.NewProgram(NewModel(config), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

// --- Commands ---

func (model Model) loadModels() tea.Cmd {
	client := model.client
	return func() tea.Msg {
		models, err := client.Models(context.Background())
		return modelsLoadedMsg{models: models, err: err}
	}
}

func (model Model) loadConversations() tea.Cmd {
	client := model.client
	return func() tea.Msg {
		conversations, err := client.Conversations(context.Background())
		return conversationsLoadedMsg{conversations: conversations, err: err}
	}
}

func (model Model) openConversation(conversationID string) tea.Cmd {
	client := model.client
	return func() tea.Msg {
		detail, err := client.Conversation(context.Background(), conversationID)
		return conversationOpenedMsg{detail: detail, err: err}
	}
}

// startTurn posts the message, creating the conversation first when
// this is the opening turn. ctx belongs to the turn and is cancelled
// by Esc.
func startTurn(ctx context.Context, client *Client, conversationID, text, modelID string) tea.Cmd {
	return func() tea.Msg {
		var created *convo.Conversation
		if conversationID == "" {
			conversation, err := client.CreateConversation(ctx, firstLineTitle(text), modelID)
			if err != nil {
				return turnStartedMsg{err: err}
			}
			created = conversation
			conversationID = conversation.ID
		}
		stream, err := client.PostMessage(ctx, conversationID, text, modelID)
		if err != nil {
			return turnStartedMsg{conversation: created, err: err}
		}
		return turnStartedMsg{stream: stream, conversation: created}
	}
}

func readStream(stream *MessageStream) tea.Cmd {
	return func() tea.Msg {
		event, err := stream.Next()
		return streamEventMsg{event: event, err: err}
	}
}

// firstLineTitle derives a conversation title from the opening
// message: its first line, capped at titleLimit runes.
func firstLineTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	runes := []rune(line)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit-1]) + "…"
	}
	return line
}

// --- Update ---

func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.ready = true
		model.layout()
		return model, nil

	case tea.KeyMsg:
		return model.handleKey(message)

	case modelsLoadedMsg:
		if message.err != nil {
			model.errText = message.err.Error()
			return model, nil
		}
		model.models = message.models
		if model.modelID == "" && len(message.models) > 0 {
			model.modelID = message.models[0].ID
		}
		return model, nil

	case conversationsLoadedMsg:
		if message.err != nil {
			model.errText = message.err.Error()
			return model, nil
		}
		model.picker = NewPicker("conversations", conversationItems(message.conversations), model.theme)
		model.pickerKind = pickerConversations
		return model, nil

	case conversationOpenedMsg:
		if message.err != nil {
			model.errText = message.err.Error()
			return model, nil
		}
		model.showConversation(message.detail)
		return model, nil

	case turnStartedMsg:
		return model.handleTurnStarted(message)

	case streamEventMsg:
		return model.handleStreamEvent(message)

	case spinner.TickMsg:
		if !model.waiting {
			return model, nil
		}
		var cmd tea.Cmd
		model.spin, cmd = model.spin.Update(message)
		return model, cmd
	}

	// Everything else (cursor blink and friends) belongs to the
	// input.
	var cmd tea.Cmd
	model.input, cmd = model.input.Update(message)
	return model, cmd
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Quit works everywhere, even mid-generation.
	if key.Matches(message, model.keys.Quit) {
		if model.cancelTurn != nil {
			model.cancelTurn()
		}
		return model, tea.Quit
	}

	if model.picker != nil {
		selected, dismissed := model.picker.HandleKey(message)
		if dismissed {
			kind := model.pickerKind
			model.picker = nil
			if selected != nil {
				return model.handlePicked(kind, *selected)
			}
		}
		return model, nil
	}

	model.notice = ""

	switch {
	case key.Matches(message, model.keys.Cancel):
		if model.waiting && model.cancelTurn != nil && !model.cancelling {
			model.cancelling = true
			model.cancelTurn()
			model.notice = "cancelling…"
		}
		return model, nil

	case key.Matches(message, model.keys.Send):
		text := strings.TrimSpace(model.input.Value())
		if text == "" {
			return model, nil
		}
		if model.waiting {
			model.notice = "a reply is still streaming (Esc cancels it)"
			return model, nil
		}
		if model.modelID == "" {
			model.errText = "no usable model; add a credential and retry"
			return model, nil
		}
		return model.sendMessage(text)

	case key.Matches(message, model.keys.PickModel):
		model.picker = NewPicker("models", modelItems(model.models), model.theme)
		model.pickerKind = pickerModels
		return model, nil

	case key.Matches(message, model.keys.PickConversation):
		return model, model.loadConversations()

	case key.Matches(message, model.keys.NewConversation):
		if model.waiting {
			model.notice = "finish or cancel the streaming reply first"
			return model, nil
		}
		model.conversation = nil
		model.entries = nil
		model.warnings = nil
		model.errText = ""
		model.refreshTranscript()
		model.notice = "new conversation"
		return model, nil

	case key.Matches(message, model.keys.ScrollUp):
		model.scrollBy(-model.transcript.Height / 2)
		return model, nil

	case key.Matches(message, model.keys.ScrollDown):
		model.scrollBy(model.transcript.Height / 2)
		return model, nil
	}

	var cmd tea.Cmd
	model.input, cmd = model.input.Update(message)
	return model, cmd
}

func (model Model) handlePicked(kind pickerKind, item PickerItem) (tea.Model, tea.Cmd) {
	switch kind {
	case pickerModels:
		model.modelID = item.ID
		model.notice = "model: " + item.ID
		return model, nil
	case pickerConversations:
		return model, model.openConversation(item.ID)
	}
	return model, nil
}

func (model Model) sendMessage(text string) (tea.Model, tea.Cmd) {
	model.entries = append(model.entries, transcriptEntry{role: llm.RoleUser, text: text})
	model.pending.Reset()
	model.pendingTokens = 0
	model.warnings = nil
	model.errText = ""
	model.waiting = true
	model.cancelling = false
	model.input.Reset()
	model.refreshTranscript()
	model.transcript.GotoBottom()

	ctx, cancel := context.WithCancel(context.Background())
	model.cancelTurn = cancel
	conversationID := ""
	if model.conversation != nil {
		conversationID = model.conversation.ID
	}
	return model, tea.Batch(
		model.spin.Tick,
		startTurn(ctx, model.client, conversationID, text, model.modelID),
	)
}

func (model Model) handleTurnStarted(message turnStartedMsg) (tea.Model, tea.Cmd) {
	if message.conversation != nil {
		model.conversation = message.conversation
	}
	if message.err != nil {
		model.waiting = false
		model.cancelTurn = nil
		model.errText = message.err.Error()
		// The user message never reached the service; give the text
		// back instead of losing it.
		if len(model.entries) > 0 {
			last := model.entries[len(model.entries)-1]
			if last.role == llm.RoleUser {
				model.entries = model.entries[:len(model.entries)-1]
				model.input.SetValue(last.text)
			}
		}
		model.refreshTranscript()
		return model, nil
	}
	model.stream = message.stream
	return model, readStream(message.stream)
}

func (model Model) handleStreamEvent(message streamEventMsg) (tea.Model, tea.Cmd) {
	if message.err != nil {
		return model.finishStream(message.err)
	}

	switch message.event.Type {
	case StreamEventToken:
		model.pending.WriteString(message.event.Token)
		model.pendingTokens = message.event.TokenCount
		model.refreshTranscript()
		model.transcript.GotoBottom()
		return model, readStream(model.stream)

	case StreamEventWarning:
		model.warnings = append(model.warnings, message.event.Warning)
		return model, readStream(model.stream)

	case StreamEventFinal:
		result := message.event.Final
		model.closeStream()
		model.conversation = &result.Conversation
		model.warnings = result.Warnings
		entry := transcriptEntry{
			role:       llm.RoleAssistant,
			contexts:   result.Contexts,
			incomplete: result.Cancelled,
		}
		if result.Assistant != nil {
			entry.text = result.Assistant.Text
			entry.modelID = result.Assistant.ModelID
		} else {
			entry.text = model.pending.String()
		}
		model.entries = append(model.entries, entry)
		model.pending.Reset()
		if result.Cancelled {
			model.notice = "generation cancelled; partial reply kept"
		}
		model.refreshTranscript()
		model.transcript.GotoBottom()
		return model, nil
	}
	return model, readStream(model.stream)
}

// finishStream handles a stream that ended without a final event:
// clean EOF, a mid-turn failure, or our own cancellation racing the
// server's final event.
func (model Model) finishStream(err error) (tea.Model, tea.Cmd) {
	cancelled := model.cancelling
	model.closeStream()

	switch {
	case errors.Is(err, io.EOF):
		// Final already handled, or the server had nothing to say.

	case cancelled:
		// The request died before the server's cancellation final
		// reached us. The service keeps the partial reply; mirror it.
		if model.pending.Len() > 0 {
			model.entries = append(model.entries, transcriptEntry{
				role:       llm.RoleAssistant,
				text:       model.pending.String(),
				modelID:    model.modelID,
				incomplete: true,
			})
			model.pending.Reset()
		}
		model.notice = "generation cancelled; partial reply kept"

	default:
		// The turn failed and was rolled back; drop the partial.
		model.pending.Reset()
		model.errText = err.Error()
	}

	model.refreshTranscript()
	model.transcript.GotoBottom()
	return model, nil
}

func (model *Model) closeStream() {
	if model.stream != nil {
		model.stream.Close()
		model.stream = nil
	}
	if model.cancelTurn != nil {
		model.cancelTurn()
		model.cancelTurn = nil
	}
	model.waiting = false
	model.cancelling = false
}

// showConversation replaces the transcript with a fetched
// conversation tail.
func (model *Model) showConversation(detail *convo.ConversationDetail) {
	model.conversation = &detail.Conversation
	model.entries = nil
	model.warnings = nil
	model.errText = ""
	if detail.Summary != nil {
		model.entries = append(model.entries, transcriptEntry{
			role: llm.RoleSystem,
			text: fmt.Sprintf("%d earlier messages summarized", detail.Summary.MessageCount),
		})
	}
	for _, message := range detail.Messages {
		model.entries = append(model.entries, transcriptEntry{
			role:       message.Role,
			text:       message.Text,
			modelID:    message.ModelID,
			incomplete: message.Incomplete,
		})
	}
	if detail.Conversation.ModelID != "" {
		model.modelID = detail.Conversation.ModelID
	}
	model.refreshTranscript()
	model.transcript.GotoBottom()
}

// --- Layout and rendering ---

func (model *Model) layout() {
	model.transcript.Width = model.width
	model.transcript.Height = model.height - chromeHeight
	if model.transcript.Height < 1 {
		model.transcript.Height = 1
	}
	model.input.SetWidth(model.width - 2)
	model.refreshTranscript()
	model.transcript.GotoBottom()
}

// scrollBy moves the viewport, clamped to the content bounds.
func (model *Model) scrollBy(lines int) {
	offset := model.transcript.YOffset + lines
	maxOffset := model.transcript.TotalLineCount() - model.transcript.Height
	if offset > maxOffset {
		offset = maxOffset
	}
	if offset < 0 {
		offset = 0
	}
	model.transcript.SetYOffset(offset)
}

// refreshTranscript re-renders all entries into the viewport. The
// in-flight reply renders as plain text; markdown waits for the
// final event so half-open fences don't flicker.
func (model *Model) refreshTranscript() {
	width := model.transcript.Width
	if width <= 0 {
		width = 80
	}

	var blocks []string
	for _, entry := range model.entries {
		blocks = append(blocks, model.renderEntry(entry, width))
	}
	if model.waiting {
		blocks = append(blocks, model.renderPending(width))
	}
	if len(blocks) == 0 {
		empty := lipgloss.NewStyle().Foreground(model.theme.FaintText)
		blocks = append(blocks, empty.Render("no messages yet — type below to start"))
	}
	model.transcript.SetContent(strings.Join(blocks, "\n\n"))
}

func (model *Model) renderEntry(entry transcriptEntry, width int) string {
	switch entry.role {
	case llm.RoleSystem:
		style := lipgloss.NewStyle().Foreground(model.theme.FaintText).Italic(true)
		return style.Render(ansi.Truncate("· "+entry.text+" ·", width, "…"))

	case llm.RoleUser:
		label := lipgloss.NewStyle().Bold(true).Foreground(model.theme.UserLabel).Render("you")
		body := ansi.Wrap(entry.text, max(width-2, 10), " ,.;-+|")
		return label + "\n" + indentLines(body)

	default:
		name := entry.modelID
		if name == "" {
			name = "assistant"
		}
		label := lipgloss.NewStyle().Bold(true).Foreground(model.theme.AssistantLabel).Render(name)
		if entry.incomplete {
			label += lipgloss.NewStyle().Foreground(model.theme.WarningText).Render(" (incomplete)")
		}
		body := renderMarkdown(entry.text, model.theme, max(width-2, 10))
		block := label + "\n" + indentLines(body)
		if citation := model.renderContexts(entry.contexts, width); citation != "" {
			block += "\n" + citation
		}
		return block
	}
}

// renderContexts lists the corpus entries that grounded a reply.
func (model *Model) renderContexts(contexts []convo.KnowledgeContext, width int) string {
	if len(contexts) == 0 {
		return ""
	}
	titles := make([]string, 0, len(contexts))
	for _, knowledge := range contexts {
		titles = append(titles, knowledge.Title)
	}
	style := lipgloss.NewStyle().Foreground(model.theme.ContextLabel)
	line := "  ▪ grounded on: " + strings.Join(titles, ", ")
	return style.Render(ansi.Truncate(line, width, "…"))
}

func (model *Model) renderPending(width int) string {
	name := model.modelID
	if name == "" {
		name = "assistant"
	}
	label := lipgloss.NewStyle().Bold(true).Foreground(model.theme.AssistantLabel).Render(name)
	text := model.pending.String()
	if text == "" {
		return label + "\n  " + lipgloss.NewStyle().Foreground(model.theme.FaintText).Render("thinking…")
	}
	body := ansi.Wrap(text, max(width-2, 10), " ,.;-+|")
	return label + "\n" + indentLines(body)
}

func indentLines(text string) string {
	lines := strings.Split(text, "\n")
	for index, line := range lines {
		lines[index] = "  " + line
	}
	return strings.Join(lines, "\n")
}

func (model Model) View() string {
	if !model.ready {
		return "starting…"
	}

	header := model.renderHeader()
	status := model.renderStatus()

	body := model.transcript.View()
	if model.picker != nil {
		body = lipgloss.Place(
			model.width, model.transcript.Height,
			lipgloss.Center, lipgloss.Center,
			model.picker.View(model.width),
		)
	}

	return strings.Join([]string{
		header,
		body,
		status,
		model.input.View(),
		model.renderHelp(),
	}, "\n")
}

func (model Model) renderHeader() string {
	title := "new conversation"
	if model.conversation != nil {
		if model.conversation.Title != "" {
			title = model.conversation.Title
		} else {
			title = model.conversation.ID
		}
	}
	bold := lipgloss.NewStyle().Bold(true).Foreground(model.theme.HeaderForeground)
	faint := lipgloss.NewStyle().Foreground(model.theme.FaintText)
	line := bold.Render("lore") + faint.Render(" │ ") + bold.Render(title) +
		faint.Render(" │ model: "+displayModel(model.modelID))
	return ansi.Truncate(line, model.width, "…")
}

func displayModel(modelID string) string {
	if modelID == "" {
		return "(none)"
	}
	return modelID
}

// renderStatus fills the one status row: error beats warnings beats
// notice beats the streaming token counter.
func (model Model) renderStatus() string {
	switch {
	case model.errText != "":
		style := lipgloss.NewStyle().Foreground(model.theme.ErrorText)
		return ansi.Truncate(style.Render("✗ "+model.errText), model.width, "…")

	case len(model.warnings) > 0:
		style := lipgloss.NewStyle().Foreground(model.theme.WarningText)
		labels := make([]string, 0, len(model.warnings))
		for _, warning := range model.warnings {
			labels = append(labels, warningText(warning))
		}
		return ansi.Truncate(style.Render("⚠ "+strings.Join(labels, " · ")), model.width, "…")

	case model.notice != "":
		style := lipgloss.NewStyle().Foreground(model.theme.FaintText)
		return ansi.Truncate(style.Render(model.notice), model.width, "…")

	case model.waiting:
		style := lipgloss.NewStyle().Foreground(model.theme.FaintText)
		return model.spin.View() + style.Render(fmt.Sprintf(" generating… %d tokens (Esc cancels)", model.pendingTokens))
	}
	return ""
}

// warningText maps turn warning codes to status-bar prose.
func warningText(warning convo.Warning) string {
	switch warning {
	case convo.WarningTokenBudget:
		return "context above 80% of the window"
	case convo.WarningNoRelevantContext:
		return "no relevant corpus context"
	case convo.WarningLexicalOnly:
		return "lexical-only retrieval"
	case convo.WarningPartialRetrieval:
		return "retrieval hit its deadline"
	case convo.WarningSummaryFailed:
		return "summarization failed"
	case convo.WarningCancelled:
		return "generation cancelled"
	default:
		return string(warning)
	}
}

func (model Model) renderHelp() string {
	bindings := []key.Binding{
		model.keys.Send, model.keys.NewLine, model.keys.PickModel,
		model.keys.PickConversation, model.keys.NewConversation,
		model.keys.Cancel, model.keys.Quit,
	}
	parts := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		help := binding.Help()
		parts = append(parts, help.Key+" "+help.Desc)
	}
	style := lipgloss.NewStyle().Foreground(model.theme.HelpText)
	return ansi.Truncate(style.Render(strings.Join(parts, " · ")), model.width, "…")
}

// --- Picker item builders ---

func modelItems(models []catalog.ModelStatus) []PickerItem {
	items := make([]PickerItem, 0, len(models))
	for _, status := range models {
		detail := status.DisplayName
		if status.EmbeddingGap {
			detail += " (no embeddings)"
		}
		items = append(items, PickerItem{
			ID:     status.ID,
			Label:  status.ID,
			Detail: detail,
		})
	}
	return items
}

func conversationItems(conversations []convo.Conversation) []PickerItem {
	items := make([]PickerItem, 0, len(conversations))
	for _, conversation := range conversations {
		label := conversation.Title
		if label == "" {
			label = conversation.ID
		}
		items = append(items, PickerItem{
			ID:     conversation.ID,
			Label:  label,
			Detail: conversation.ModelID,
		})
	}
	return items
}
