// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Lore is the unified CLI for a lore deployment. It provides the
// interactive chat terminal (chat), retrieval preview (search),
// corpus management (corpus ingest/embed/watch/status/list), the
// model catalog view and switches (models), and provider API key
// management (credential).
package main
