// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the complete lore CLI command tree. It is
// the single place the subcommand packages are assembled, so the
// binary's surface is readable in one file.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	chatcmd "github.com/loreworks/lore/cmd/lore/chat"
	"github.com/loreworks/lore/cmd/lore/cli"
	corpuscmd "github.com/loreworks/lore/cmd/lore/corpus"
	credentialcmd "github.com/loreworks/lore/cmd/lore/credential"
	modelscmd "github.com/loreworks/lore/cmd/lore/models"
	searchcmd "github.com/loreworks/lore/cmd/lore/search"
	"github.com/loreworks/lore/lib/version"
)

// Root builds and returns the complete lore CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "lore",
		Description: `Lore: retrieval-augmented conversations over your own corpus.

Chat with language models that ground their replies in a local
knowledge directory; manage the corpus, models, and credentials the
conversation service runs on.`,
		Subcommands: []*cli.Command{
			chatcmd.Command(),
			searchcmd.Command(),
			corpuscmd.Command(),
			modelscmd.Command(),
			credentialcmd.Command(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, args []string, _ *slog.Logger) error {
					fmt.Printf("lore %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Store an Anthropic API key (prompted without echo)",
				Command:     "lore credential set anthropic",
			},
			{
				Description: "Ingest the corpus directory",
				Command:     "lore corpus ingest",
			},
			{
				Description: "Embed the corpus for semantic retrieval",
				Command:     "lore corpus embed --model scout",
			},
			{
				Description: "See which models are usable right now",
				Command:     "lore models",
			},
			{
				Description: "Open the chat terminal",
				Command:     "lore chat",
			},
			{
				Description: "Preview what a query would retrieve",
				Command:     "lore search connection pool sizing --model scout",
			},
		},
	}
}
