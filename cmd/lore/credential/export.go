// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
	"github.com/loreworks/lore/lib/sealed"
)

func exportCommand() *cli.Command {
	var configPath string
	var userID string
	var recipients []string
	var outputPath string

	return &cli.Command{
		Name:    "export",
		Summary: "Seal active keys into a portable bundle",
		Description: `Decrypt the user's active, unexpired keys and seal them to one or
more age recipients. The resulting bundle is safe to move over
untrusted channels; only the matching age identity can open it with
"lore credential import".

Generate a recipient pair with age-keygen; the public key starts with
"age1".`,
		Usage: "lore credential export --recipient <age1...> [flags]",
		Examples: []cli.Example{
			{
				Description: "Seal all active keys to a new machine's public key",
				Command:     "lore credential export --recipient age1ql3z... --output keys.bundle",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("export", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&userID, "user", "", "user whose keys to export (default: chat.user from the config)")
			flagSet.StringArrayVar(&recipients, "recipient", nil, "age public key to seal to (repeatable, required)")
			flagSet.StringVar(&outputPath, "output", "-", "bundle destination ('-' writes stdout)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			if len(recipients) == 0 {
				return fmt.Errorf("--recipient is required (an age public key, age1...)")
			}
			for _, recipient := range recipients {
				if err := sealed.ParsePublicKey(recipient); err != nil {
					return fmt.Errorf("--recipient %q: %w", recipient, err)
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

			ciphertext, err := store.ExportBundle(ctx, env.User(userID), recipients)
			if err != nil {
				return err
			}

			if outputPath == "-" {
				fmt.Fprintln(os.Stdout, ciphertext)
				return nil
			}
			if err := os.WriteFile(outputPath, []byte(ciphertext+"\n"), 0o600); err != nil {
				return fmt.Errorf("writing bundle: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Wrote bundle to %s\n", outputPath)
			return nil
		},
	}
}
