// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package context plans conversation prompts under a token budget.
//
// [ComputeBudget] splits a model's context window into three regions:
// a reserve for the answer, a slice for retrieved knowledge, and the
// remainder for the system preamble, the active summary, and message
// history. The split is fixed-ratio so the same window always yields
// the same budget.
//
// [Manager.PlanTurn] takes the full state of a turn and returns a
// [PromptPlan]: a deterministic assembly that fits history into the
// history region (dropping oldest messages first, never the new user
// turn) and snippets into the retrieval region (dropping lowest
// relevance first). Crossing 80% of the window raises a budget
// warning on the plan; crossing 90% rolls the oldest messages into a
// [Summary] via the configured [Summarizer] until usage is back below
// 70%. A summary supersedes its predecessor and always covers at
// least two messages.
//
// Token costs come from a [TokenCounter]. [RatioTokens] implements
// the deterministic character-ratio count used across the module, so
// the same text and model always cost the same and budget decisions
// are reproducible.
package context
