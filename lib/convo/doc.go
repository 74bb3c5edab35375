// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package convo is the conversation core: it owns conversations,
// messages, summaries, and the per-turn pipeline that ties the other
// subsystems together.
//
// [Service.PostMessage] runs one turn: load or create the
// conversation, resolve the model through the catalog, retrieve
// grounding context, plan the prompt under the model's token budget,
// stream the generation, and commit the whole turn — user message,
// assistant message, the knowledge contexts that grounded it, and any
// new summary — as a single transaction. The caller consumes the turn
// through a [TurnStream], a pull iterator in the style of
// [llm.EventStream] that yields token deltas and advisory warnings
// and terminates in a final event carrying the persisted records.
//
// The service holds one in-flight turn per conversation; a concurrent
// post fails fast with [ErrConversationBusy]. Cancelling the caller's
// context mid-stream is not an error: the partial assistant text is
// persisted and marked incomplete so a later turn can detect it.
//
// [Store] persists the four conversation tables. Knowledge contexts
// are regenerable from the corpus and carry a retention window;
// [Store.PruneContexts] removes expired rows.
package convo
