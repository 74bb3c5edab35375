// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the lore CLI.
//
// The central type is [Command], which represents a named subcommand
// with optional nested [Command.Subcommands], a pflag.FlagSet
// factory, and a Run function. Commands are assembled into a tree in
// cmd/lore/commands and dispatched via [Command.Execute], which
// handles flag parsing, subcommand routing, and structured help
// output with examples.
//
// When a user types an unknown subcommand or flag, the framework
// computes Levenshtein edit distance against all known names and
// suggests the closest match (threshold: distance <= 3). This is
// implemented in suggest.go.
//
// [Environment] is the shared setup path for commands that touch
// local state: it loads the configuration, creates the data
// directories, opens the database pool, and hands out store handles
// on demand. Commands that only talk to a running lore-service (chat)
// skip it and use the service URL from the configuration instead.
package cli
