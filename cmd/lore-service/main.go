// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/config"
	"github.com/loreworks/lore/lib/convo"
	"github.com/loreworks/lore/lib/corpus"
	"github.com/loreworks/lore/lib/credstore"
	"github.com/loreworks/lore/lib/cron"
	"github.com/loreworks/lore/lib/process"
	"github.com/loreworks/lore/lib/retrieval"
	"github.com/loreworks/lore/lib/service"
	"github.com/loreworks/lore/lib/sqlitepool"
	"github.com/loreworks/lore/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var listenOverride string

	flagSet := pflag.NewFlagSet("lore-service", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the configuration file (defaults apply without one)")
	flagSet.StringVar(&listenOverride, "listen", "", "listen address override (host:port)")
	debug := flagSet.Bool("debug", false, "log at debug level")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(version.Info())
		return nil
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Service.Listen = listenOverride
	}

	// A bad cron expression should fail startup, not the first prune.
	var pruneSchedule *cron.Schedule
	if cfg.Service.PruneSchedule != "" {
		pruneSchedule, err = cron.Parse(cfg.Service.PruneSchedule)
		if err != nil {
			return fmt.Errorf("prune_schedule: %w", err)
		}
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}
	// The database may be pinned outside the data directory.
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	ticker := clock.Real()

	catalogStore, err := catalog.OpenStore(ctx, pool, ticker)
	if err != nil {
		return err
	}
	if err := seedCatalog(ctx, catalogStore, cfg.Catalog.ModelsFile, logger); err != nil {
		return err
	}

	masterKey, err := credstore.LoadKeyFile(cfg.Credentials.KeyFile)
	if err != nil {
		return err
	}
	keys, err := credstore.NewKeySet(masterKey)
	if err != nil {
		return err
	}
	credentialStore, err := credstore.OpenStore(ctx, credstore.Config{
		Pool:   pool,
		Keys:   keys,
		Clock:  ticker,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	corpusStore, err := corpus.OpenStore(ctx, corpus.Config{
		Pool:   pool,
		Clock:  ticker,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	convoStore, err := convo.OpenStore(ctx, pool, ticker)
	if err != nil {
		return err
	}

	orchestrator := catalog.NewOrchestrator(catalog.OrchestratorConfig{
		Store:       catalogStore,
		Credentials: credentialStore,
		Endpoints: catalog.Endpoints{
			Anthropic: cfg.Providers.Anthropic,
			OpenAI:    cfg.Providers.OpenAI,
			Ollama:    cfg.Providers.Ollama,
		},
		Clock:  ticker,
		Logger: logger,
	})

	engine := retrieval.NewEngine(retrieval.Config{
		Store:    corpusStore,
		TopK:     cfg.Retrieval.TopK,
		Floor:    cfg.Retrieval.Floor,
		Deadline: cfg.Retrieval.Deadline.Std(),
		Clock:    ticker,
		Logger:   logger,
	})

	conversations := convo.NewService(convo.ServiceConfig{
		Store:        convoStore,
		Catalog:      orchestrator,
		Retrieval:    engine,
		SystemPrompt: cfg.Service.SystemPrompt,
		Clock:        ticker,
		Logger:       logger,
	})

	apiServer := NewServer(ServerConfig{
		Conversations: conversations,
		Models:        orchestrator,
		Search:        engine,
		Corpus:        corpusStore,
		Pool:          pool,
		Logger:        logger,
	})

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address:         cfg.Service.Listen,
		Handler:         apiServer.Handler(),
		ShutdownTimeout: cfg.Service.ShutdownTimeout.Std(),
		Logger:          logger,
	})

	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.Serve(ctx)
	}()

	select {
	case <-httpServer.Ready():
		logger.Info("conversation api ready", "address", httpServer.Addr().String())
	case err := <-httpDone:
		return err
	case <-ctx.Done():
		return <-httpDone
	}

	// Background retention prune. The runner fires on the cron
	// schedule when one is configured, otherwise on the interval.
	retention := cfg.Service.ContextRetention.Std()
	runnerConfig := cron.RunnerConfig{
		Name: "context-prune",
		Job: func(ctx context.Context) {
			pruned, err := conversations.PruneContexts(ctx, retention)
			if err != nil {
				logger.Error("context prune failed", "error", err)
				return
			}
			if pruned > 0 {
				logger.Info("pruned stale knowledge contexts", "count", pruned)
			}
		},
		Clock:  ticker,
		Logger: logger,
	}
	if pruneSchedule != nil {
		runnerConfig.Schedule = pruneSchedule
	} else {
		runnerConfig.Interval = cfg.Service.PruneInterval.Std()
	}
	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		cron.NewRunner(runnerConfig).Run(ctx)
	}()

	logger.Info("lore service running",
		"database", cfg.Database.Path,
		"corpus_root", cfg.Corpus.Root,
		"context_retention", retention.String(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-httpDone; err != nil {
		logger.Error("http server error", "error", err)
	}
	<-pruneDone
	return nil
}

// seedCatalog loads model definitions from the models file into the
// catalog. A missing file is not an error: the catalog keeps whatever
// an earlier seed stored, so the service still starts on a data
// directory provisioned by hand or by `lore models`.
func seedCatalog(ctx context.Context, store *catalog.Store, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no models file, keeping stored catalog", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading models file: %w", err)
	}

	configs, err := catalog.ParseModelsFile(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := store.Seed(ctx, configs); err != nil {
		return fmt.Errorf("seeding model catalog: %w", err)
	}
	logger.Info("seeded model catalog", "path", path, "models", len(configs))
	return nil
}
