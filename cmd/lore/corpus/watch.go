// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
	libcorpus "github.com/loreworks/lore/lib/corpus"
)

func watchCommand() *cli.Command {
	var configPath string
	var root string

	return &cli.Command{
		Name:    "watch",
		Summary: "Re-ingest automatically on filesystem changes",
		Description: `Watch the corpus directory and re-ingest after each burst of changes.
An initial full pass runs at startup; afterwards the tree must stay
quiet for the configured debounce before a pass starts, so editor
save bursts cost one pass. Runs until interrupted.`,
		Usage: "lore corpus watch [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
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

			watchRoot := corpusRoot(env, root)
			ingester, err := newIngester(ctx, env, watchRoot)
			if err != nil {
				return err
			}
			watcher, err := libcorpus.NewWatcher(libcorpus.WatcherConfig{
				Ingester: ingester,
				Debounce: env.Config.Corpus.Debounce.Std(),
				Clock:    env.Clock,
				Logger:   env.Logger,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Watching %s (ctrl-c to stop)\n", watchRoot)
			err = watcher.Run(ctx)
			if errors.Is(err, context.Canceled) {
				// Interrupt is the normal way out.
				return nil
			}
			return err
		},
	}
}
