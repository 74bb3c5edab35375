// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Entry is one retrievable slice of the knowledge base. Text holds the
// decompressed chunk; listing queries leave it empty and report the
// size through Length instead.
type Entry struct {
	ID        string `json:"id"`
	Origin    string `json:"origin"`
	Title     string `json:"title"`
	Category  string `json:"category,omitempty"`
	Language  string `json:"language,omitempty"`
	Hash      string `json:"hash"`
	Text      string `json:"text,omitempty"`
	Length    int    `json:"length"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Candidate is an entry as the retrieval scorer sees it: identity,
// recency for tie-breaking, and the embedding vector for the requested
// provider when one exists. Vector is nil for entries that have not
// been embedded; those score lexical-only.
type Candidate struct {
	ID        string
	UpdatedAt int64
	Vector    []float32
}

// Stats summarizes corpus coverage for the status endpoint: total
// entries, distinct source files, and per-provider embedded-entry
// counts.
type Stats struct {
	Entries   int            `json:"entries"`
	Origins   int            `json:"origins"`
	Providers map[string]int `json:"providers,omitempty"`
}

// validate checks the fields the caller controls. The store assigns
// ID, Hash, Length, and the timestamps itself.
func (entry Entry) validate() error {
	if strings.TrimSpace(entry.Title) == "" {
		return fmt.Errorf("entry has no title")
	}
	if entry.Text == "" {
		return fmt.Errorf("entry %q has no text", entry.Title)
	}
	return nil
}

// hashText is the content identity of a chunk. Two chunks with equal
// text are the same entry across re-ingests of their file.
func hashText(text string) string {
	return hashBytes([]byte(text))
}

// hashBytes is the whole-file identity recorded in the ingest
// manifest, and the base of hashText.
func hashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
