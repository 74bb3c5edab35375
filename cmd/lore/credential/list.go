// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
	"github.com/loreworks/lore/lib/credstore"
)

func listCommand() *cli.Command {
	var configPath string
	var userID string
	var asJSON bool

	return &cli.Command{
		Name:    "list",
		Summary: "List stored credentials",
		Description: `List every credential stored for the user: fingerprint, status, and
expiry. The keys themselves are never shown; the fingerprint is a hash
for telling keys apart.`,
		Usage: "lore credential list [flags]",
		Examples: []cli.Example{
			{
				Description: "List credentials as JSON",
				Command:     "lore credential list --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&userID, "user", "", "user whose credentials to list (default: chat.user from the config)")
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

			store, err := env.Credentials(ctx)
			if err != nil {
				return err
			}

			credentials, err := store.List(ctx, env.User(userID))
			if err != nil {
				return err
			}

			if asJSON {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(credentials)
			}

			if len(credentials) == 0 {
				fmt.Fprintln(os.Stdout, "No credentials stored")
				return nil
			}

			now := env.Clock.Now()
			writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "PROVIDER\tFINGERPRINT\tSTATUS\tEXPIRES")
			for _, credential := range credentials {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
					credential.Provider,
					credential.Fingerprint,
					statusOf(credential, now),
					expiryOf(credential),
				)
			}
			return writer.Flush()
		},
	}
}

// statusOf reduces the stored flags to one word for the table. The
// expiry comparison matches the store: an exactly-now timestamp is
// already expired.
func statusOf(credential credstore.Credential, now time.Time) string {
	switch {
	case !credential.Active:
		return "revoked"
	case credential.ExpiresAt != 0 && credential.ExpiresAt <= now.UnixMilli():
		return "expired"
	default:
		return "active"
	}
}

func expiryOf(credential credstore.Credential) string {
	if credential.ExpiresAt == 0 {
		return "never"
	}
	return formatMillis(credential.ExpiresAt)
}

// formatMillis renders a Unix-milliseconds timestamp for table
// output.
func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
