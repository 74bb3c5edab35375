// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package search implements the "lore search" command: the service's
// retrieval preview from the terminal, for corpus tuning.
package search
