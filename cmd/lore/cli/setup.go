// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/config"
	"github.com/loreworks/lore/lib/corpus"
	"github.com/loreworks/lore/lib/credstore"
	"github.com/loreworks/lore/lib/sqlitepool"
)

// NewCommandLogger creates a structured logger for CLI command
// operations. When stderr is a terminal, it uses slog.TextHandler for
// human-readable output. When stderr is piped or redirected (CI,
// scripts), it uses slog.JSONHandler for machine-parseable output
// matching the service's log format.
func NewCommandLogger() *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

// Environment is the shared state a command operates on: the loaded
// configuration and the opened database pool. Store handles are
// opened on demand; they all share the pool and none of them outlives
// it.
type Environment struct {
	Config *config.Config
	Logger *slog.Logger
	Pool   *sqlitepool.Pool
	Clock  clock.Clock
}

// OpenEnvironment loads the configuration (an empty path means the
// built-in defaults rooted at ~/.lore), creates the data directories,
// and opens the database pool. Callers must Close.
func OpenEnvironment(configPath string, logger *slog.Logger) (*Environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	// The database may be pinned outside the data directory.
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Environment{
		Config: cfg,
		Logger: logger,
		Pool:   pool,
		Clock:  clock.Real(),
	}, nil
}

// Close releases the database pool.
func (env *Environment) Close() {
	env.Pool.Close()
}

// User returns the user id a command operates on: the flag override
// when given, the configured chat user otherwise.
func (env *Environment) User(override string) string {
	if override != "" {
		return override
	}
	return env.Config.Chat.User
}

// Credentials opens the credential store, loading (or creating on
// first use) the master key file.
func (env *Environment) Credentials(ctx context.Context) (*credstore.Store, error) {
	masterKey, err := credstore.LoadKeyFile(env.Config.Credentials.KeyFile)
	if err != nil {
		return nil, err
	}
	keys, err := credstore.NewKeySet(masterKey)
	if err != nil {
		return nil, err
	}
	return credstore.OpenStore(ctx, credstore.Config{
		Pool:   env.Pool,
		Keys:   keys,
		Clock:  env.Clock,
		Logger: env.Logger,
	})
}

// CorpusStore opens the knowledge corpus store.
func (env *Environment) CorpusStore(ctx context.Context) (*corpus.Store, error) {
	return corpus.OpenStore(ctx, corpus.Config{
		Pool:   env.Pool,
		Clock:  env.Clock,
		Logger: env.Logger,
	})
}

// CatalogStore opens the model catalog store.
func (env *Environment) CatalogStore(ctx context.Context) (*catalog.Store, error) {
	return catalog.OpenStore(ctx, env.Pool, env.Clock)
}

// Orchestrator opens the catalog and credential stores and builds the
// model orchestrator over them, honoring the provider endpoint
// overrides from the configuration.
func (env *Environment) Orchestrator(ctx context.Context) (*catalog.Orchestrator, error) {
	catalogStore, err := env.CatalogStore(ctx)
	if err != nil {
		return nil, err
	}
	credentialStore, err := env.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.NewOrchestrator(catalog.OrchestratorConfig{
		Store:       catalogStore,
		Credentials: credentialStore,
		Endpoints: catalog.Endpoints{
			Anthropic: env.Config.Providers.Anthropic,
			OpenAI:    env.Config.Providers.OpenAI,
			Ollama:    env.Config.Providers.Ollama,
		},
		Clock:  env.Clock,
		Logger: env.Logger,
	}), nil
}
