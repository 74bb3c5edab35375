// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
	"github.com/loreworks/lore/lib/chatui"
	"github.com/loreworks/lore/lib/config"
)

// snippetLimit caps the preview line printed under each hit.
const snippetLimit = 100

// Command returns the "search" command.
func Command() *cli.Command {
	var configPath string
	var serviceURL string
	var userID string
	var modelID string
	var asJSON bool

	return &cli.Command{
		Name:    "search",
		Summary: "Preview retrieval for a query",
		Description: `Run the service's retrieval for a query without generating a reply:
the same hybrid scoring a turn would use, returned as ranked corpus
passages. Useful for tuning the corpus and checking what a reply
would be grounded on.

The model picks the embedding space; models without embedding
support preview the lexical-only ranking they would retrieve with.`,
		Usage: "lore search <query> --model <id> [flags]",
		Examples: []cli.Example{
			{
				Description: "See what a turn about pool sizing would retrieve",
				Command:     "lore search connection pool sizing --model scout",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("search", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&serviceURL, "service", "", "service base URL (default: chat.service_url from the config)")
			flagSet.StringVar(&userID, "user", "", "user whose credentials authenticate the query (default: chat.user from the config)")
			flagSet.StringVar(&modelID, "model", "", "model whose embedding space scores the query (required)")
			flagSet.BoolVar(&asJSON, "json", false, "emit JSON instead of the ranked list")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: lore search <query> --model <id>")
			}
			if modelID == "" {
				return fmt.Errorf("--model is required (see 'lore models')")
			}
			query := strings.Join(args, " ")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			url := serviceURL
			if url == "" {
				url = cfg.Chat.ServiceURL
			}
			user := userID
			if user == "" {
				user = cfg.Chat.User
			}

			client := chatui.NewClient(chatui.ClientConfig{BaseURL: url, User: user})
			result, err := client.Search(ctx, query, modelID)
			if err != nil {
				return err
			}

			if asJSON {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(result)
			}

			for _, warning := range result.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
			}
			if len(result.Contexts) == 0 {
				fmt.Fprintln(os.Stdout, "No relevant passages")
				return nil
			}
			for _, match := range result.Contexts {
				fmt.Fprintf(os.Stdout, "%2d. %s  (%.2f, %s)\n", match.Rank, match.Title, match.Score, match.Origin)
				fmt.Fprintf(os.Stdout, "    %s\n", snippet(match.Text))
			}
			return nil
		},
	}
}

// snippet returns the first line of text, truncated to snippetLimit
// runes.
func snippet(text string) string {
	line := text
	if index := strings.IndexByte(line, '\n'); index >= 0 {
		line = line[:index]
	}
	runes := []rune(line)
	if len(runes) > snippetLimit {
		return string(runes[:snippetLimit-1]) + "…"
	}
	return line
}
