// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat implements the "lore chat" command: the Bubble Tea
// chat client in lib/chatui/ wired to the configured service URL,
// with a health pre-flight so a missing service fails with a hint
// instead of a broken screen.
package chat
