// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
	"github.com/loreworks/lore/lib/secret"
)

func importCommand() *cli.Command {
	var configPath string
	var userID string
	var identityFile string
	var envFile string

	return &cli.Command{
		Name:    "import",
		Summary: "Import keys from a bundle or a dotenv file",
		Description: `Load provider keys into the store, replacing any existing key per
provider.

With a bundle argument, the file is opened with the age identity from
--identity-file (an age-keygen file or a bare AGE-SECRET-KEY-1 line).
With --env, recognized variables (ANTHROPIC_API_KEY, OPENAI_API_KEY)
are read from a dotenv file instead.`,
		Usage: "lore credential import <bundle-file> --identity-file <path> [flags]",
		Examples: []cli.Example{
			{
				Description: "Open a bundle sealed to this machine",
				Command:     "lore credential import keys.bundle --identity-file ~/.lore/age.key",
			},
			{
				Description: "Pull keys from an existing dotenv file",
				Command:     "lore credential import --env ~/projects/assistant/.env",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("import", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&userID, "user", "", "user to import keys for (default: chat.user from the config)")
			flagSet.StringVar(&identityFile, "identity-file", "", "age identity that can open the bundle ('-' reads stdin)")
			flagSet.StringVar(&envFile, "env", "", "dotenv file to read provider keys from")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if envFile != "" && len(args) > 0 {
				return fmt.Errorf("--env and a bundle file are mutually exclusive")
			}
			if envFile == "" {
				if len(args) != 1 {
					return fmt.Errorf("usage: lore credential import <bundle-file> --identity-file <path>")
				}
				if identityFile == "" {
					return fmt.Errorf("--identity-file is required to open a bundle")
				}
			}

			env, err := cli.OpenEnvironment(configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			store, err := env.Credentials(ctx)
			if err != nil {
				return err
			}

			var providers []string
			if envFile != "" {
				providers, err = store.ImportEnv(ctx, env.User(userID), envFile)
			} else {
				var identity *secret.Buffer
				identity, err = readIdentity(identityFile)
				if err != nil {
					return err
				}
				defer identity.Close()

				var ciphertext []byte
				ciphertext, err = os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("reading bundle %s: %w", args[0], err)
				}
				providers, err = store.ImportBundle(ctx, env.User(userID),
					strings.TrimSpace(string(ciphertext)), identity)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "Imported keys: %s\n", strings.Join(providers, ", "))
			return nil
		},
	}
}

// readIdentity loads an age identity from path ("-" reads stdin).
// age-keygen output carries comment lines before the key; the first
// non-comment line is the identity.
func readIdentity(path string) (*secret.Buffer, error) {
	raw, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	// The line scan makes brief heap copies, same as the age parse
	// boundary inside the sealed package.
	for _, line := range strings.Split(raw.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return secret.NewFromBytes([]byte(line))
	}
	return nil, fmt.Errorf("no age identity found in %s", path)
}
