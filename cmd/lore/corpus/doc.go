// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package corpus implements the "lore corpus" command group: ingest,
// embedding backfill, the filesystem watcher, and corpus inspection.
// The commands wrap lib/corpus/, providing flag parsing and progress
// output.
package corpus
