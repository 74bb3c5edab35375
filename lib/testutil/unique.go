// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for conversation titles, file names,
// or message bodies that must be distinguishable across tests.
//
//	title := testutil.UniqueID("deploys")    // "deploys-1", "deploys-2", ...
//	path := testutil.UniqueID("note") + ".md"
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
