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

func ingestCommand() *cli.Command {
	var configPath string
	var root string

	return &cli.Command{
		Name:    "ingest",
		Summary: "Ingest the corpus directory into the store",
		Description: `Walk the corpus directory once and converge the store on it. Changed
and new files are split into entries and stored; files recorded in the
manifest but gone from the directory are swept; unchanged files cost
one hash comparison. Hidden files and directories are skipped.`,
		Usage: "lore corpus ingest [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&root, "root", "", "corpus directory (default: corpus.root from the config)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			env, err := cli.OpenEnvironment(configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			ingester, err := newIngester(ctx, env, corpusRoot(env, root))
			if err != nil {
				return err
			}

			result, err := ingester.Ingest(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "Ingested %d files (%d unchanged, %d removed); %d entries stored\n",
				result.Files, result.Unchanged, result.Removed, result.Entries)
			return nil
		},
	}
}

// corpusRoot resolves the directory a command works on: the flag
// override when given, the configured root otherwise.
func corpusRoot(env *cli.Environment, override string) string {
	if override != "" {
		return override
	}
	return env.Config.Corpus.Root
}

// newIngester builds an ingester over the environment's corpus store.
func newIngester(ctx context.Context, env *cli.Environment, root string) (*libcorpus.Ingester, error) {
	store, err := env.CorpusStore(ctx)
	if err != nil {
		return nil, err
	}
	return libcorpus.NewIngester(libcorpus.IngesterConfig{
		Store:  store,
		Root:   root,
		Logger: env.Logger,
	})
}
