// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential implements the "lore credential" command group
// for managing provider API keys. The commands wrap the store in
// lib/credstore/, providing flag parsing, the no-echo key prompt, and
// table output.
package credential
