// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatui is the terminal chat client for the conversation
// service. It renders a transcript viewport over a multi-line input,
// streams assistant replies token by token over the service's SSE
// endpoint, and grounds each reply with the corpus entries the
// service retrieved for it.
//
// The package follows the bubbletea architecture: Model holds all
// state, Update routes messages, and View renders. Network calls run
// as commands; each SSE event re-enters the loop as a streamEventMsg
// so a streaming reply never blocks the UI. Modal pickers (ctrl+p for
// models, ctrl+o for conversations) filter with the same fuzzy
// matching fzf uses.
//
// Assistant replies render as markdown once complete; while streaming
// they display as plain text so half-open code fences don't flicker.
// Esc cancels an in-flight generation, and the service keeps the
// partial reply.
package chatui
