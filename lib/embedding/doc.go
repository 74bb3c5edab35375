// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package embedding turns text into vectors and tokens into numbers.
//
// [Gateway] fronts a provider's embedding capability for one model
// configuration. Embed validates every returned vector against the
// configured dimension and retries transient provider failures once
// before giving up; CountTokens is the module-wide deterministic
// character-ratio count, so the same text always costs the same for a
// given model. A Gateway without an embedder still counts tokens —
// models with no embedding support run lexical-only retrieval but are
// budgeted like any other.
//
// [PackVector] and [UnpackVector] are the storage codec: float32
// vectors byte-grouped so exponent bytes compress together, then LZ4
// block compressed, with a raw fallback when compression does not
// pay. [Cosine] is the similarity used by retrieval scoring.
package embedding
