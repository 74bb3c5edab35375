// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"github.com/loreworks/lore/cmd/lore/cli"
)

// Command returns the "credential" parent command with all subcommands.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "credential",
		Summary: "Manage provider API keys",
		Description: `Store, inspect, and move the API keys the model providers need.

Keys are encrypted at rest with a master key derived per (user,
provider) pair; the master key lives in a file next to the database
and is created on first use. Revoking a key keeps the ciphertext but
makes the key invisible to the service until restored. Ollama models
run against a local daemon and need no credential.

The "export" subcommand seals all active keys to one or more age
recipients for moving them to another machine; "import" opens such a
bundle with the matching identity, or reads provider keys straight
from a dotenv file.`,
		Subcommands: []*cli.Command{
			setCommand(),
			listCommand(),
			revokeCommand(),
			restoreCommand(),
			exportCommand(),
			importCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Store an Anthropic API key (prompted without echo)",
				Command:     "lore credential set anthropic",
			},
			{
				Description: "Move all active keys to another machine",
				Command:     "lore credential export --recipient age1... --output keys.bundle",
			},
		},
	}
}
