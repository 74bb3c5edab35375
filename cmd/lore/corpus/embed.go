// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
	libcorpus "github.com/loreworks/lore/lib/corpus"
)

func embedCommand() *cli.Command {
	var configPath string
	var userID string
	var modelID string
	var batch int

	return &cli.Command{
		Name:    "embed",
		Summary: "Backfill missing embedding vectors",
		Description: `Embed every entry lacking a vector for the chosen model's provider.
Each stored vector is durable immediately, so an interrupted run
resumes where it stopped. Vectors are keyed by provider: models
sharing a provider share them.

The model must be usable (active, credential present) and have
embedding support.`,
		Usage: "lore corpus embed --model <id> [flags]",
		Examples: []cli.Example{
			{
				Description: "Embed with the scout model's provider",
				Command:     "lore corpus embed --model scout",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("embed", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&userID, "user", "", "user whose credentials authenticate the requests (default: chat.user from the config)")
			flagSet.StringVar(&modelID, "model", "", "model whose gateway computes the vectors (required)")
			flagSet.IntVar(&batch, "batch", 0, "texts per embed request (default 16)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			if modelID == "" {
				return fmt.Errorf("--model is required (see 'lore models')")
			}

			env, err := cli.OpenEnvironment(configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			orchestrator, err := env.Orchestrator(ctx)
			if err != nil {
				return err
			}
			resolution, err := orchestrator.Resolve(ctx, env.User(userID), modelID)
			if err != nil {
				return err
			}
			if resolution.EmbeddingGap {
				return fmt.Errorf("model %s has no embedding support; pick one with an embedding model configured", modelID)
			}

			store, err := env.CorpusStore(ctx)
			if err != nil {
				return err
			}

			result, err := libcorpus.Backfill(ctx, libcorpus.BackfillConfig{
				Store:     store,
				Gateway:   resolution.Gateway,
				Provider:  resolution.Config.Provider,
				BatchSize: batch,
				Logger:    env.Logger,
			})
			// A failed or interrupted run still reports the entries
			// that made it in; they stay durable.
			if result.Embedded > 0 || err == nil {
				fmt.Fprintf(os.Stdout, "Embedded %d entries in %d batches (provider %s)\n",
					result.Embedded, result.Batches, resolution.Config.Provider)
			}
			return err
		},
	}
}
