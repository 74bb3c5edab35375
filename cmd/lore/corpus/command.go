// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"github.com/loreworks/lore/cmd/lore/cli"
)

// Command returns the "corpus" parent command with all subcommands.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "corpus",
		Summary: "Manage the knowledge corpus",
		Description: `Ingest, embed, and inspect the knowledge corpus the service retrieves
from.

"ingest" converges the store on the corpus directory: markdown is
split by heading sections, plain text and code by paragraph windows,
and unchanged files are skipped via a content-hash manifest. "embed"
backfills embedding vectors for a provider so retrieval can score
semantically; entries without vectors still match lexically. "watch"
keeps the store converged while you edit.`,
		Subcommands: []*cli.Command{
			ingestCommand(),
			embedCommand(),
			watchCommand(),
			statusCommand(),
			listCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Ingest the configured corpus directory",
				Command:     "lore corpus ingest",
			},
			{
				Description: "Embed everything the scout model's provider has not seen",
				Command:     "lore corpus embed --model scout",
			},
			{
				Description: "Re-ingest automatically while editing",
				Command:     "lore corpus watch",
			},
		},
	}
}
