// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package retrieval ranks corpus entries against a query with hybrid
// scoring: cosine similarity over stored embeddings blended with
// normalized BM25.
//
// [Engine.Retrieve] embeds the query through the turn's embedding
// gateway, scores every corpus candidate, and returns the top results
// above a relevance floor. An entry without a vector for the query's
// provider scores on its lexical component alone, so a corpus with
// spotty embedding coverage still retrieves — vector-backed entries
// simply outrank it. A query that cannot be embedded at all (model
// without embedding support, provider failure, expired deadline)
// degrades the whole call to lexical-only scoring rather than failing
// the turn.
//
// Every call runs under a deadline, 1.5 seconds by default. On expiry
// the engine returns whatever it has ranked so far instead of an
// error. Degradations never fail a retrieval; each one is named by a
// [Warning] on the [Result] so callers can surface them.
package retrieval
