// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
	"github.com/loreworks/lore/lib/catalog"
)

// Command returns the "models" command: listing by default, with
// enable/disable subcommands.
func Command() *cli.Command {
	var configPath string
	var userID string
	var asJSON bool

	return &cli.Command{
		Name:    "models",
		Summary: "List models and their usability",
		Description: `List every configured model with its live usability for the user:
whether a turn submitted with it right now would pass validation, and
why not when it would not. Models without embedding support are
usable but retrieve lexical-only.

The catalog is seeded from the models file at service start; enable
and disable flip a configuration without editing that file, and the
flag survives re-seeding.`,
		Usage: "lore models [flags]",
		Examples: []cli.Example{
			{
				Description: "List models as JSON",
				Command:     "lore models --json",
			},
			{
				Description: "Take a model out of rotation",
				Command:     "lore models disable gpt-4o-mini",
			},
		},
		Subcommands: []*cli.Command{
			enableCommand(),
			disableCommand(),
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("models", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&userID, "user", "", "user whose credentials determine usability (default: chat.user from the config)")
			flagSet.BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			env, err := cli.OpenEnvironment(configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			orchestrator, err := env.Orchestrator(ctx)
			if err != nil {
				return err
			}
			statuses, err := orchestrator.ListModels(ctx, env.User(userID))
			if err != nil {
				return err
			}

			if asJSON {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(statuses)
			}

			if len(statuses) == 0 {
				fmt.Fprintln(os.Stdout, "No models configured (the service seeds the catalog from the models file at start)")
				return nil
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tPROVIDER\tCONTEXT\tEMBEDDING\tSTATUS")
			for _, status := range statuses {
				fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\n",
					status.ID,
					status.Provider,
					status.MaxContextTokens,
					embeddingOf(status),
					statusOf(status),
				)
			}
			return writer.Flush()
		},
	}
}

func embeddingOf(status catalog.ModelStatus) string {
	if !status.HasEmbedding() {
		return "-"
	}
	return fmt.Sprintf("%s (%d)", status.EmbeddingModel, status.EmbeddingDim)
}

func statusOf(status catalog.ModelStatus) string {
	switch {
	case !status.Usable:
		return status.Reason
	case status.EmbeddingGap:
		return "usable (lexical-only)"
	default:
		return "usable"
	}
}

func enableCommand() *cli.Command {
	var configPath string

	return &cli.Command{
		Name:    "enable",
		Summary: "Activate a model configuration",
		Usage:   "lore models enable <id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("enable", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			return setActive(ctx, logger, configPath, args, true)
		},
	}
}

func disableCommand() *cli.Command {
	var configPath string

	return &cli.Command{
		Name:    "disable",
		Summary: "Deactivate a model configuration",
		Usage:   "lore models disable <id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("disable", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			return setActive(ctx, logger, configPath, args, false)
		},
	}
}

func setActive(ctx context.Context, logger *slog.Logger, configPath string, args []string, active bool) error {
	if len(args) != 1 {
		verb := "enable"
		if !active {
			verb = "disable"
		}
		return fmt.Errorf("usage: lore models %s <id>", verb)
	}

	env, err := cli.OpenEnvironment(configPath, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	store, err := env.CatalogStore(ctx)
	if err != nil {
		return err
	}
	if err := store.SetActive(ctx, args[0], active); err != nil {
		return err
	}

	verb := "Enabled"
	if !active {
		verb = "Disabled"
	}
	fmt.Fprintf(os.Stdout, "%s %s\n", verb, args[0])
	return nil
}
