// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
)

func statusCommand() *cli.Command {
	var configPath string
	var asJSON bool

	return &cli.Command{
		Name:    "status",
		Summary: "Show corpus size and embedding coverage",
		Usage:   "lore corpus status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
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

			store, err := env.CorpusStore(ctx)
			if err != nil {
				return err
			}
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(stats)
			}

			fmt.Fprintf(os.Stdout, "%d entries from %d files\n", stats.Entries, stats.Origins)
			if len(stats.Providers) == 0 {
				fmt.Fprintln(os.Stdout, "No embeddings stored yet (run 'lore corpus embed')")
				return nil
			}

			providers := make([]string, 0, len(stats.Providers))
			for provider := range stats.Providers {
				providers = append(providers, provider)
			}
			slices.Sort(providers)

			writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "PROVIDER\tEMBEDDED\tCOVERAGE")
			for _, provider := range providers {
				embedded := stats.Providers[provider]
				coverage := "-"
				if stats.Entries > 0 {
					coverage = fmt.Sprintf("%d%%", embedded*100/stats.Entries)
				}
				fmt.Fprintf(writer, "%s\t%d\t%s\n", provider, embedded, coverage)
			}
			return writer.Flush()
		},
	}
}
