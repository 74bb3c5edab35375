// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package models implements the "lore models" command: the catalog
// listing with per-user usability, and the enable/disable switches.
package models
