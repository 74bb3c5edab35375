// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
)

func listCommand() *cli.Command {
	var configPath string
	var asJSON bool

	return &cli.Command{
		Name:    "list",
		Summary: "List stored corpus entries",
		Description: `List every entry in the store, ordered by source file. An entry is
one retrievable chunk; a markdown file typically yields one per
heading section.`,
		Usage: "lore corpus list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
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
			entries, err := store.List(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(entries)
			}

			if len(entries) == 0 {
				fmt.Fprintln(os.Stdout, "Corpus is empty (run 'lore corpus ingest')")
				return nil
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "ORIGIN\tTITLE\tLANGUAGE\tBYTES")
			for _, entry := range entries {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%d\n",
					entry.Origin, entry.Title, orDash(entry.Language), entry.Length)
			}
			return writer.Flush()
		},
	}
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
