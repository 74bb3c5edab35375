// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// lore-service is the retrieval-augmented conversation daemon. It
// serves the conversation API over HTTP: conversation CRUD, a
// streaming message endpoint (server-sent events), model listing,
// retrieval preview, corpus status, and health. A background runner
// prunes stale knowledge-context records on the configured cadence.
//
// Configuration comes from a YAML file (--config); every setting has
// a default, so the service starts with no file at all. All state
// lives in one SQLite database under the data directory.
package main
