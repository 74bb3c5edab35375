// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package embedding

import (
	stdcontext "context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/llm"
	"github.com/loreworks/lore/lib/llm/context"
)

// ErrNoEmbedder is returned by Embed when the gateway's model has no
// embedding support. Callers fall back to lexical-only retrieval.
var ErrNoEmbedder = errors.New("embedding: model has no embedder")

// ErrDimensionMismatch is returned when a provider yields vectors of
// a different dimension than the model configuration declares.
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

// retryDelay is the pause before the single automatic retry of a
// transient provider failure.
const retryDelay = 200 * time.Millisecond

// RatioSource resolves a model's characters-per-token ratio. The
// catalog's configuration store implements it; tests supply fixtures.
type RatioSource interface {
	CharsPerToken(modelID string) float64
}

// Config holds the parameters for one gateway. Ratios is required;
// the embedding fields may be zero for models without embedding
// support.
type Config struct {
	// Embedder is the provider capability, nil when the model's
	// provider exposes none.
	Embedder llm.Embedder

	// Model is the embedding model identifier sent to the provider.
	Model string

	// Dimension is the vector length the model configuration
	// declares. Every returned vector is checked against it.
	Dimension int

	// Ratios resolves characters-per-token for CountTokens.
	Ratios RatioSource

	// Clock paces the retry backoff. If nil, the real clock is used.
	Clock clock.Clock

	// Logger receives retry diagnostics. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Gateway embeds text through one model configuration and counts
// tokens for budgeting. Safe for concurrent use.
type Gateway struct {
	embedder  llm.Embedder
	model     string
	dimension int
	ratios    RatioSource
	clock     clock.Clock
	logger    *slog.Logger
}

// NewGateway returns a gateway for the given configuration.
func NewGateway(config Config) *Gateway {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ticker := config.Clock
	if ticker == nil {
		ticker = clock.Real()
	}
	return &Gateway{
		embedder:  config.Embedder,
		model:     config.Model,
		dimension: config.Dimension,
		ratios:    config.Ratios,
		clock:     ticker,
		logger:    logger,
	}
}

// CanEmbed reports whether the gateway can produce vectors. False
// means retrieval runs lexical-only.
func (gateway *Gateway) CanEmbed() bool {
	return gateway.embedder != nil && gateway.model != "" && gateway.dimension > 0
}

// Dimension returns the configured vector length, 0 when the gateway
// cannot embed.
func (gateway *Gateway) Dimension() int {
	if !gateway.CanEmbed() {
		return 0
	}
	return gateway.dimension
}

// Model returns the embedding model identifier, "" when the gateway
// cannot embed.
func (gateway *Gateway) Model() string {
	if !gateway.CanEmbed() {
		return ""
	}
	return gateway.model
}

// CountTokens returns the deterministic token cost of text under
// modelID's character ratio. It implements [context.TokenCounter].
func (gateway *Gateway) CountTokens(text string, modelID string) int {
	return context.RatioTokens(text, gateway.ratios.CharsPerToken(modelID))
}

// Embed returns one vector per input, in input order. A failed
// attempt, including a dimension mismatch, is retried once after a
// short backoff; the second failure is returned as-is so the caller
// decides. Terminal provider errors (bad credentials) and
// cancellation skip the retry.
func (gateway *Gateway) Embed(ctx stdcontext.Context, inputs []string) ([][]float32, error) {
	if !gateway.CanEmbed() {
		return nil, ErrNoEmbedder
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	vectors, err := gateway.embedOnce(ctx, inputs)
	if err != nil && retryable(err) {
		gateway.logger.Debug("embedding request failed, retrying",
			"model", gateway.model,
			"inputs", len(inputs),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gateway.clock.After(retryDelay):
		}
		vectors, err = gateway.embedOnce(ctx, inputs)
	}
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (gateway *Gateway) EmbedQuery(ctx stdcontext.Context, text string) ([]float32, error) {
	vectors, err := gateway.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (gateway *Gateway) embedOnce(ctx stdcontext.Context, inputs []string) ([][]float32, error) {
	response, err := gateway.embedder.Embed(ctx, llm.EmbedRequest{
		Model: gateway.model,
		Input: inputs,
	})
	if err != nil {
		return nil, err
	}
	if len(response.Vectors) != len(inputs) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(response.Vectors), len(inputs))
	}
	for i, vector := range response.Vectors {
		if len(vector) != gateway.dimension {
			return nil, fmt.Errorf("%w: input %d produced %d dimensions, model %s declares %d",
				ErrDimensionMismatch, i, len(vector), gateway.model, gateway.dimension)
		}
	}
	return response.Vectors, nil
}

// retryable reports whether an embed failure is worth the single
// automatic retry. Provider errors defer to their own transience.
// Everything else, transport failures and dimension mismatches
// included, gets the one retry, except cancellation.
func retryable(err error) bool {
	if errors.Is(err, stdcontext.Canceled) || errors.Is(err, stdcontext.DeadlineExceeded) {
		return false
	}
	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient()
	}
	return true
}
