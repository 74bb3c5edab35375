// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for lore.
//
// One document configures every binary: the database location, the
// HTTP service, the model catalog seed, credential storage, corpus
// ingestion, retrieval tuning, provider URL overrides, and the chat
// client. The file path comes from a --config flag; there is no
// environment-variable or home-directory discovery, and an empty path
// means the built-in defaults rooted at ~/.lore.
//
// Decoding is strict: unknown fields are errors, so a typo like
// "databse:" fails at startup instead of silently running on
// defaults. Path fields left empty are derived from data_dir after
// decoding, so pointing data_dir somewhere moves everything that was
// not pinned explicitly.
//
// Key exports:
//
//   - [Config] -- the document, one section per subsystem
//   - [Default] -- defaults used when no file is given
//   - [Load] and [LoadFile] -- the two loading entry points
//   - [Duration] -- YAML-friendly wrapper over time.Duration
//
// This package depends on no other lore packages.
package config
