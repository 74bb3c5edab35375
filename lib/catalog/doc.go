// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog tracks which provider/model pairs exist and which
// are usable right now.
//
// [ModelConfiguration] rows live in SQLite and are seeded from a
// models.jsonc file at startup; seeding refreshes metadata but never
// flips a configuration an operator disabled. Configurations are kept
// forever once referenced by conversation history — deactivation, not
// deletion, is the retirement path.
//
// [Orchestrator] answers the two questions the conversation loop asks
// every turn: which models could this user pick ([Orchestrator.ListModels]),
// and is this specific choice valid right now ([Orchestrator.Resolve]).
// Usability is evaluated live against the [CredentialSource] rather
// than persisted, so revoking a credential disables its models
// immediately and restoring it brings them back with no catalog
// write. Resolve also constructs the provider client and the
// embedding gateway for the turn; a model whose provider cannot embed
// resolves with an embedding gap flag and runs lexical-only
// retrieval.
package catalog
