// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loreworks/lore/lib/embedding"
)

// defaultBackfillBatch is how many entries each embed request carries.
const defaultBackfillBatch = 16

// BackfillConfig holds the parameters for one backfill run.
type BackfillConfig struct {
	// Store holds the entries to embed. Required.
	Store *Store

	// Gateway produces the vectors. Required, and must be able to
	// embed.
	Gateway *embedding.Gateway

	// Provider keys the stored vectors. Required; it is the provider
	// name of the model behind Gateway, not the model id.
	Provider string

	// BatchSize caps entries per embed request. If zero, 16.
	BatchSize int

	// Logger receives per-batch progress. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// BackfillResult reports one backfill run.
type BackfillResult struct {
	Embedded int `json:"embedded"` // entries that gained a vector
	Batches  int `json:"batches"`  // embed requests issued
}

// Backfill embeds every entry lacking a vector for the provider, in
// batches, until none remain or ctx ends. Each stored vector is
// durable immediately, so an interrupted run resumes where it
// stopped. Returns the partial result alongside the error when a
// batch fails.
func Backfill(ctx context.Context, config BackfillConfig) (BackfillResult, error) {
	var result BackfillResult
	if config.Store == nil {
		return result, fmt.Errorf("corpus backfill: Store is required")
	}
	if config.Gateway == nil || !config.Gateway.CanEmbed() {
		return result, fmt.Errorf("corpus backfill: %w", embedding.ErrNoEmbedder)
	}
	if config.Provider == "" {
		return result, fmt.Errorf("corpus backfill: Provider is required")
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBackfillBatch
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	model := config.Gateway.Model()
	for {
		entries, err := config.Store.MissingEmbeddings(ctx, config.Provider, batchSize)
		if err != nil {
			return result, err
		}
		if len(entries) == 0 {
			logger.Info("corpus backfill complete",
				"provider", config.Provider,
				"model", model,
				"embedded", result.Embedded,
				"batches", result.Batches,
			)
			return result, nil
		}

		texts := make([]string, len(entries))
		for i, entry := range entries {
			texts[i] = entry.Text
		}
		vectors, err := config.Gateway.Embed(ctx, texts)
		if err != nil {
			return result, fmt.Errorf("corpus backfill: embedding batch: %w", err)
		}

		for i, entry := range entries {
			if err := config.Store.PutEmbedding(ctx, entry.ID, config.Provider, model, vectors[i]); err != nil {
				return result, err
			}
			result.Embedded++
		}
		result.Batches++
		logger.Debug("corpus backfill batch stored",
			"provider", config.Provider,
			"entries", len(entries),
			"embedded", result.Embedded,
		)
	}
}
