// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/embedding"
	"github.com/loreworks/lore/lib/llm"
)

// ErrModelUnavailable is returned when a model choice cannot be used
// right now: unknown id, disabled configuration, or no active
// credential for its provider. It is fatal to the turn, never
// auto-retried; the caller must pick another model.
var ErrModelUnavailable = errors.New("catalog: model unavailable")

// Endpoints are the provider base URLs. Zero fields take the public
// defaults; tests point them at local servers.
type Endpoints struct {
	Anthropic string
	OpenAI    string
	Ollama    string
}

func (endpoints Endpoints) withDefaults() Endpoints {
	if endpoints.Anthropic == "" {
		endpoints.Anthropic = "https://api.anthropic.com"
	}
	if endpoints.OpenAI == "" {
		endpoints.OpenAI = "https://api.openai.com"
	}
	if endpoints.Ollama == "" {
		endpoints.Ollama = "http://localhost:11434"
	}
	return endpoints
}

// CredentialSource reports per-user credential state. The credential
// store implements it; the orchestrator never sees ciphertext.
type CredentialSource interface {
	// APIKey returns the active key for the user and provider, or an
	// error when none is active.
	APIKey(ctx context.Context, userID, provider string) (string, error)

	// HasActive reports whether an active, unexpired credential
	// exists without decrypting it.
	HasActive(ctx context.Context, userID, provider string) (bool, error)
}

// ModelStatus is a catalog entry annotated with live usability for
// one user.
type ModelStatus struct {
	ModelConfiguration

	// Usable means a turn submitted with this model right now would
	// pass validation.
	Usable bool `json:"usable"`

	// Reason explains Usable == false.
	Reason string `json:"reason,omitempty"`

	// EmbeddingGap means the model is usable but has no embedding
	// support, so its retrieval runs lexical-only.
	EmbeddingGap bool `json:"embeddingGap"`
}

// Resolution is a validated model choice with the per-turn plumbing
// built: the provider client authenticated for the user and the
// embedding gateway (which may be embed-less for gap models).
type Resolution struct {
	Config       ModelConfiguration
	Provider     llm.Provider
	Gateway      *embedding.Gateway
	EmbeddingGap bool
}

// OrchestratorConfig holds the orchestrator dependencies. Store is
// required; Credentials may be nil only if every configured provider
// is credential-free.
type OrchestratorConfig struct {
	Store       *Store
	Credentials CredentialSource

	// HTTPClient is shared by all constructed provider clients. If
	// nil, http.DefaultClient.
	HTTPClient *http.Client

	// Endpoints overrides provider base URLs.
	Endpoints Endpoints

	Clock  clock.Clock
	Logger *slog.Logger
}

// Orchestrator resolves model choices against the catalog and live
// credential state. Safe for concurrent use.
type Orchestrator struct {
	store       *Store
	credentials CredentialSource
	httpClient  *http.Client
	endpoints   Endpoints
	clock       clock.Clock
	logger      *slog.Logger
}

// NewOrchestrator returns an orchestrator.
func NewOrchestrator(config OrchestratorConfig) *Orchestrator {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ticker := config.Clock
	if ticker == nil {
		ticker = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		store:       config.Store,
		credentials: config.Credentials,
		httpClient:  httpClient,
		endpoints:   config.Endpoints.withDefaults(),
		clock:       ticker,
		logger:      logger,
	}
}

// ListModels returns every configuration annotated with usability for
// the user, ordered by id. Inactive and credential-less models are
// included so clients can show why a model is greyed out.
func (orchestrator *Orchestrator) ListModels(ctx context.Context, userID string) ([]ModelStatus, error) {
	configs, err := orchestrator.store.List(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]ModelStatus, 0, len(configs))
	for _, config := range configs {
		reason, err := orchestrator.usability(ctx, userID, config)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, ModelStatus{
			ModelConfiguration: config,
			Usable:             reason == "",
			Reason:             reason,
			EmbeddingGap:       !config.HasEmbedding(),
		})
	}
	return statuses, nil
}

// ListUsableModels returns only the models a turn could use right now.
func (orchestrator *Orchestrator) ListUsableModels(ctx context.Context, userID string) ([]ModelStatus, error) {
	statuses, err := orchestrator.ListModels(ctx, userID)
	if err != nil {
		return nil, err
	}
	usable := statuses[:0]
	for _, status := range statuses {
		if status.Usable {
			usable = append(usable, status)
		}
	}
	return usable, nil
}

// Validate checks a model choice for one turn. It returns the
// configuration on success and an [ErrModelUnavailable] error naming
// the reason otherwise. Called before every turn, so a credential
// revoked mid-conversation fails the next turn, not just new
// conversations.
func (orchestrator *Orchestrator) Validate(ctx context.Context, userID, modelID string) (ModelConfiguration, error) {
	config, err := orchestrator.store.Get(ctx, modelID)
	if err != nil {
		if errors.Is(err, ErrUnknownModel) {
			return ModelConfiguration{}, fmt.Errorf("%w: %s: not in catalog", ErrModelUnavailable, modelID)
		}
		return ModelConfiguration{}, err
	}

	reason, err := orchestrator.usability(ctx, userID, config)
	if err != nil {
		return ModelConfiguration{}, err
	}
	if reason != "" {
		return ModelConfiguration{}, fmt.Errorf("%w: %s: %s", ErrModelUnavailable, modelID, reason)
	}
	return config, nil
}

// Resolve validates a model choice and builds the turn plumbing: the
// authenticated provider client and the embedding gateway. For models
// without embedding support the gateway cannot embed and EmbeddingGap
// is set; the caller surfaces the advisory and retrieval falls back
// to lexical scoring.
func (orchestrator *Orchestrator) Resolve(ctx context.Context, userID, modelID string) (*Resolution, error) {
	config, err := orchestrator.Validate(ctx, userID, modelID)
	if err != nil {
		return nil, err
	}

	provider, err := orchestrator.buildProvider(ctx, userID, config)
	if err != nil {
		return nil, err
	}

	embedder, _ := provider.(llm.Embedder)
	gap := !config.HasEmbedding() || embedder == nil
	if gap {
		embedder = nil
	}

	gateway := embedding.NewGateway(embedding.Config{
		Embedder:  embedder,
		Model:     config.EmbeddingModel,
		Dimension: config.EmbeddingDim,
		Ratios:    orchestrator.store,
		Clock:     orchestrator.clock,
		Logger:    orchestrator.logger,
	})

	return &Resolution{
		Config:       config,
		Provider:     provider,
		Gateway:      gateway,
		EmbeddingGap: gap,
	}, nil
}

// usability returns "" when the user can use the configuration, or
// the reason they cannot.
func (orchestrator *Orchestrator) usability(ctx context.Context, userID string, config ModelConfiguration) (string, error) {
	if !config.Active {
		return "configuration disabled", nil
	}
	if !providerNeedsCredential(config.Provider) {
		return "", nil
	}
	if orchestrator.credentials == nil {
		return fmt.Sprintf("no credential source for provider %s", config.Provider), nil
	}
	active, err := orchestrator.credentials.HasActive(ctx, userID, config.Provider)
	if err != nil {
		return "", fmt.Errorf("catalog: checking %s credential: %w", config.Provider, err)
	}
	if !active {
		return fmt.Sprintf("no active %s credential", config.Provider), nil
	}
	return "", nil
}

func (orchestrator *Orchestrator) buildProvider(ctx context.Context, userID string, config ModelConfiguration) (llm.Provider, error) {
	switch config.Provider {
	case ProviderOllama:
		return llm.NewOllama(orchestrator.httpClient, orchestrator.endpoints.Ollama), nil

	case ProviderAnthropic, ProviderOpenAI:
		apiKey, err := orchestrator.credentials.APIKey(ctx, userID, config.Provider)
		if err != nil {
			// Revoked between the usability check and here.
			return nil, fmt.Errorf("%w: %s: %v", ErrModelUnavailable, config.ID, err)
		}
		if config.Provider == ProviderAnthropic {
			return llm.NewAnthropic(orchestrator.httpClient, orchestrator.endpoints.Anthropic, apiKey), nil
		}
		return llm.NewOpenAI(orchestrator.httpClient, orchestrator.endpoints.OpenAI, apiKey), nil

	default:
		return nil, fmt.Errorf("%w: %s: unknown provider %q", ErrModelUnavailable, config.ID, config.Provider)
	}
}

// providerNeedsCredential reports whether a provider requires an API
// key. Ollama is local and credential-free.
func providerNeedsCredential(provider string) bool {
	return provider != ProviderOllama
}
