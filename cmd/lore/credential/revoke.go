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
)

func revokeCommand() *cli.Command {
	var configPath string
	var userID string

	return &cli.Command{
		Name:    "revoke",
		Summary: "Deactivate a credential without deleting it",
		Description: `Mark a credential inactive. The encrypted key stays in the store and
the service stops using it immediately; "restore" brings it back
without re-entering the key.`,
		Usage: "lore credential revoke <provider> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("revoke", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&userID, "user", "", "user the credential belongs to (default: chat.user from the config)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: lore credential revoke <provider>")
			}
			provider := args[0]

			env, err := cli.OpenEnvironment(configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			store, err := env.Credentials(ctx)
			if err != nil {
				return err
			}

			if err := store.Revoke(ctx, env.User(userID), provider); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Revoked %s key\n", provider)
			return nil
		},
	}
}
