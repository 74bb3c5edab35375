// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package corpus stores the knowledge base that grounds retrieval.
//
// A corpus entry is one self-contained slice of a source document: a
// markdown section, or a paragraph window of a plain text or code
// file. Entries carry a title, a category derived from the source
// directory, a source-language tag, and the full chunk text,
// zstd-compressed at rest. Per-provider embedding vectors live in a
// companion table keyed (entry, provider) so the same corpus can serve
// models from different providers side by side.
//
// [Store] wraps the two tables and an in-memory BM25 index over
// title, category, and text. The index is rebuilt from the database
// after every mutation; lexical queries never touch SQLite.
//
// [Ingester] populates the store from a directory tree. Files are
// split with markdown-aware chunking (goldmark heading sections,
// paragraph windows for everything else), classified with chroma's
// lexer registry, and recorded in a CBOR manifest keyed by content
// hash so an unchanged file costs one hash comparison on the next
// run. Within a changed file, chunks whose text is unchanged keep
// their entry id, which preserves any embeddings already computed for
// them. Files that disappear from the directory are swept from the
// store.
//
// [Watcher] keeps a directory and the store converged: fsnotify
// events mark the tree dirty and a debounced re-ingest folds the
// changes in. [Backfill] embeds every entry that lacks a vector for a
// provider, in resumable batches.
package corpus
