// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/corpus"
	"github.com/loreworks/lore/lib/embedding"
)

const (
	// vectorWeight and lexicalWeight blend the two score components.
	// An entry with no vector keeps its lexical share, which biases
	// ranking toward vector-backed entries without disqualifying the
	// rest.
	vectorWeight  = 0.7
	lexicalWeight = 0.3

	// deadlineCheckEvery is how many candidates the scoring loop
	// folds between deadline checks.
	deadlineCheckEvery = 256

	defaultTopK     = 5
	defaultFloor    = 0.15
	defaultDeadline = 1500 * time.Millisecond
)

// Warning is a non-fatal advisory attached to a retrieval result.
type Warning string

const (
	// WarningNoRelevantContext means every candidate scored below the
	// relevance floor. The result is empty; generation proceeds
	// ungrounded.
	WarningNoRelevantContext Warning = "no-relevant-context"

	// WarningLexicalOnly means the query could not be embedded, so
	// scores carry no vector contribution.
	WarningLexicalOnly Warning = "lexical-only"

	// WarningPartial means the deadline expired mid-scoring; the
	// ranking covers only part of the corpus.
	WarningPartial Warning = "partial-results"
)

// Context is one retrieved corpus slice. Rank starts at 1; Score is
// in [0,1] and descends with Rank.
type Context struct {
	EntryID      string  `json:"entryId"`
	Origin       string  `json:"origin"`
	Title        string  `json:"title"`
	Category     string  `json:"category,omitempty"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	Rank         int     `json:"rank"`
	VectorScore  float64 `json:"vectorScore"`
	LexicalScore float64 `json:"lexicalScore"`
}

// Result is one completed retrieval.
type Result struct {
	Contexts []Context `json:"contexts"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Query is one retrieval request.
type Query struct {
	// Text is the user's query. Required.
	Text string

	// Provider selects which stored vectors score the query.
	Provider string

	// Gateway embeds the query in the model's space. May be nil or
	// embed-less; the call then runs lexical-only.
	Gateway *embedding.Gateway

	// TopK caps the result count for this query. If zero, the engine
	// default applies.
	TopK int
}

// Config holds the engine parameters.
type Config struct {
	// Store is the corpus to rank. Required.
	Store *corpus.Store

	// TopK caps results per query. If zero, 5.
	TopK int

	// Floor is the score the best hit must reach for a non-empty
	// result. If zero, 0.15.
	Floor float64

	// Deadline bounds one retrieval end to end. If zero, 1.5s.
	Deadline time.Duration

	// Clock times retrievals for the debug log. If nil, the real
	// clock is used.
	Clock clock.Clock

	// Logger receives per-query diagnostics. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Engine ranks the corpus. Safe for concurrent use.
type Engine struct {
	store    *corpus.Store
	topK     int
	floor    float64
	deadline time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewEngine returns an engine for the given configuration.
func NewEngine(config Config) *Engine {
	topK := config.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	floor := config.Floor
	if floor == 0 {
		floor = defaultFloor
	}
	deadline := config.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	ticker := config.Clock
	if ticker == nil {
		ticker = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:    config.Store,
		topK:     topK,
		floor:    floor,
		deadline: deadline,
		clock:    ticker,
		logger:   logger,
	}
}

type scoredEntry struct {
	id        string
	updatedAt int64
	score     float64
	vector    float64
	lexical   float64
}

// Retrieve ranks the corpus against the query and returns at most
// topK results in descending score order. Only caller cancellation
// and store failures return an error; everything else degrades with
// a warning.
func (engine *Engine) Retrieve(ctx context.Context, query Query) (*Result, error) {
	if strings.TrimSpace(query.Text) == "" {
		return nil, fmt.Errorf("retrieval: empty query")
	}
	topK := query.TopK
	if topK <= 0 {
		topK = engine.topK
	}
	start := engine.clock.Now()

	deadlineCtx, cancel := context.WithTimeout(ctx, engine.deadline)
	defer cancel()

	var warnings []Warning

	// Lexical scores, normalized by the top score of the hit set so
	// the blend is scale-free.
	lexical := make(map[string]float64)
	if hits := engine.store.Lexical(query.Text, 0); len(hits) > 0 {
		top := hits[0].Score
		for _, hit := range hits {
			lexical[hit.Name] = hit.Score / top
		}
	}

	candidates, err := engine.store.Candidates(deadlineCtx, query.Provider)
	if err != nil {
		return nil, err
	}

	var queryVector []float32
	if query.Gateway != nil && query.Gateway.CanEmbed() {
		vector, embedErr := query.Gateway.EmbedQuery(deadlineCtx, query.Text)
		switch {
		case embedErr == nil:
			queryVector = vector
		case ctx.Err() != nil:
			// The caller is gone, not just the retrieval deadline.
			return nil, ctx.Err()
		default:
			engine.logger.Debug("query embedding failed, lexical-only retrieval",
				"provider", query.Provider,
				"error", embedErr,
			)
			warnings = append(warnings, WarningLexicalOnly)
		}
	} else {
		warnings = append(warnings, WarningLexicalOnly)
	}

	// The lexical-only loop is pure map lookups and never checks the
	// deadline; only vector folding is worth interrupting.
	scored := make([]scoredEntry, 0, len(candidates))
	partial := false
	for i, candidate := range candidates {
		if queryVector != nil && i%deadlineCheckEvery == 0 && deadlineCtx.Err() != nil {
			partial = true
			break
		}
		var vectorScore float64
		if queryVector != nil && len(candidate.Vector) > 0 {
			// Cosine is zero for mismatched dimensions, so an entry
			// embedded under an older model setting degrades to its
			// lexical component.
			vectorScore = embedding.Cosine(queryVector, candidate.Vector)
			if vectorScore < 0 {
				vectorScore = 0
			}
		}
		lexicalScore := lexical[candidate.ID]
		score := vectorWeight*vectorScore + lexicalWeight*lexicalScore
		if score <= 0 {
			continue
		}
		scored = append(scored, scoredEntry{
			id:        candidate.ID,
			updatedAt: candidate.UpdatedAt,
			score:     score,
			vector:    vectorScore,
			lexical:   lexicalScore,
		})
	}
	if partial {
		warnings = append(warnings, WarningPartial)
	}

	sort.Slice(scored, func(a, b int) bool {
		if scored[a].score != scored[b].score {
			return scored[a].score > scored[b].score
		}
		if scored[a].updatedAt != scored[b].updatedAt {
			return scored[a].updatedAt > scored[b].updatedAt
		}
		return scored[a].id < scored[b].id
	})

	if len(scored) == 0 || scored[0].score < engine.floor {
		warnings = append(warnings, WarningNoRelevantContext)
		engine.logger.Debug("retrieval found nothing relevant",
			"provider", query.Provider,
			"candidates", len(candidates),
			"elapsed", engine.clock.Now().Sub(start),
		)
		return &Result{Warnings: warnings}, nil
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}

	// Hydrate under the caller's context: the ranking is done and the
	// row reads are local. An id re-ingested away since scoring is
	// skipped.
	ids := make([]string, len(scored))
	for i, candidate := range scored {
		ids[i] = candidate.id
	}
	entries, err := engine.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]corpus.Entry, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
	}

	contexts := make([]Context, 0, len(scored))
	for _, candidate := range scored {
		entry, ok := byID[candidate.id]
		if !ok {
			continue
		}
		contexts = append(contexts, Context{
			EntryID:      entry.ID,
			Origin:       entry.Origin,
			Title:        entry.Title,
			Category:     entry.Category,
			Text:         entry.Text,
			Score:        candidate.score,
			Rank:         len(contexts) + 1,
			VectorScore:  candidate.vector,
			LexicalScore: candidate.lexical,
		})
	}

	engine.logger.Debug("retrieval complete",
		"provider", query.Provider,
		"candidates", len(candidates),
		"results", len(contexts),
		"elapsed", engine.clock.Now().Sub(start),
	)
	return &Result{Contexts: contexts, Warnings: warnings}, nil
}
