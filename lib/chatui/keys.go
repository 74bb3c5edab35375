// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the key bindings for the chat TUI. Plain characters
// always go to the input, so every command binding is a control
// chord or a key the input has no use for.
type KeyMap struct {
	Send    key.Binding // Submit the typed message.
	NewLine key.Binding // Insert a line break in the input.

	// Cancel dismisses the active picker, or cancels the in-flight
	// generation (the partial reply is kept by the service).
	Cancel key.Binding

	PickModel        key.Binding // Open the model picker.
	PickConversation key.Binding // Open the conversation picker.
	NewConversation  key.Binding // Start a fresh conversation.

	ScrollUp   key.Binding
	ScrollDown key.Binding

	Quit key.Binding
}

// DefaultKeyMap is the built-in binding set.
var DefaultKeyMap = KeyMap{
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("Enter", "send"),
	),
	NewLine: key.NewBinding(
		key.WithKeys("ctrl+j"),
		key.WithHelp("C-j", "newline"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("Esc", "cancel"),
	),
	PickModel: key.NewBinding(
		key.WithKeys("ctrl+p"),
		key.WithHelp("C-p", "model"),
	),
	PickConversation: key.NewBinding(
		key.WithKeys("ctrl+o"),
		key.WithHelp("C-o", "conversations"),
	),
	NewConversation: key.NewBinding(
		key.WithKeys("ctrl+n"),
		key.WithHelp("C-n", "new chat"),
	),
	ScrollUp: key.NewBinding(
		key.WithKeys("pgup", "ctrl+u"),
		key.WithHelp("PgUp", "scroll up"),
	),
	ScrollDown: key.NewBinding(
		key.WithKeys("pgdown", "ctrl+d"),
		key.WithHelp("PgDn", "scroll down"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("C-c", "quit"),
	),
}
