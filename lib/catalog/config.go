// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
)

// Provider names. Every ModelConfiguration carries one of these.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// ModelConfiguration describes one provider/model pair. The embedding
// fields are zero for models whose provider offers no embedding
// support; such models are fully usable but retrieve lexical-only.
type ModelConfiguration struct {
	// ID is the model identifier sent to the provider, unique across
	// the catalog.
	ID string `json:"id"`

	// Provider is one of the Provider* constants.
	Provider string `json:"provider"`

	// DisplayName is the human-readable name shown in model lists.
	DisplayName string `json:"displayName"`

	// EmbeddingModel is the companion embedding model identifier, ""
	// when the provider has none.
	EmbeddingModel string `json:"embeddingModel,omitempty"`

	// EmbeddingDim is the vector dimension EmbeddingModel produces.
	// Must match the dimension of stored corpus vectors for this
	// provider.
	EmbeddingDim int `json:"embeddingDim,omitempty"`

	// MaxContextTokens is the model's context window.
	MaxContextTokens int `json:"maxContextTokens"`

	// CharsPerToken is the deterministic character-ratio used for
	// token counting. Zero means the counting default of 4.0.
	CharsPerToken float64 `json:"charsPerToken,omitempty"`

	// Active is the operator's enable switch. Inactive configurations
	// are listed but never usable.
	Active bool `json:"active"`

	// UpdatedAt is the last write time in Unix milliseconds. Assigned
	// by the store.
	UpdatedAt int64 `json:"-"`
}

// Validate checks the fields that must hold for a configuration to
// enter the catalog.
func (config ModelConfiguration) Validate() error {
	if config.ID == "" {
		return fmt.Errorf("model configuration: missing id")
	}
	switch config.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("model configuration %s: unknown provider %q", config.ID, config.Provider)
	}
	if config.MaxContextTokens <= 0 {
		return fmt.Errorf("model configuration %s: maxContextTokens must be positive", config.ID)
	}
	if config.CharsPerToken < 0 {
		return fmt.Errorf("model configuration %s: negative charsPerToken", config.ID)
	}
	if (config.EmbeddingModel == "") != (config.EmbeddingDim == 0) {
		return fmt.Errorf("model configuration %s: embeddingModel and embeddingDim must be set together", config.ID)
	}
	if config.EmbeddingDim < 0 {
		return fmt.Errorf("model configuration %s: negative embeddingDim", config.ID)
	}
	return nil
}

// HasEmbedding reports whether the configuration names a companion
// embedding model.
func (config ModelConfiguration) HasEmbedding() bool {
	return config.EmbeddingModel != "" && config.EmbeddingDim > 0
}

// modelsFile is the wire shape of a models.jsonc seed file.
type modelsFile struct {
	Models []ModelConfiguration `json:"models"`
}

// ParseModelsFile parses a models.jsonc seed file. The format is JSON
// with comments and trailing commas permitted. Every entry is
// validated; duplicate ids are rejected.
func ParseModelsFile(data []byte) ([]ModelConfiguration, error) {
	var file modelsFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("catalog: parsing models file: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("catalog: models file declares no models")
	}

	seen := make(map[string]bool, len(file.Models))
	for _, config := range file.Models {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		if seen[config.ID] {
			return nil, fmt.Errorf("catalog: duplicate model id %q", config.ID)
		}
		seen[config.ID] = true
	}
	return file.Models, nil
}
