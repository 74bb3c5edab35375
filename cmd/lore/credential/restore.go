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

func restoreCommand() *cli.Command {
	var configPath string
	var userID string

	return &cli.Command{
		Name:    "restore",
		Summary: "Reactivate a revoked credential",
		Description: `Reactivate a credential that was revoked. A key past its expiry stays
unusable until it is set again.`,
		Usage: "lore credential restore <provider> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("restore", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&userID, "user", "", "user the credential belongs to (default: chat.user from the config)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: lore credential restore <provider>")
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

			if err := store.Restore(ctx, env.User(userID), provider); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Restored %s key\n", provider)
			return nil
		},
	}
}
