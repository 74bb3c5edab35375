// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/loreworks/lore/cmd/lore/cli"
	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/secret"
)

func setCommand() *cli.Command {
	var configPath string
	var userID string
	var keyFile string
	var expires time.Duration

	return &cli.Command{
		Name:    "set",
		Summary: "Store an API key for a provider",
		Description: `Encrypt and store an API key, replacing any existing key for the
provider. Without --key-file the key is prompted on the terminal with
echo disabled; it never appears in shell history or process listings.

A replaced or revoked key is reactivated by setting it again.`,
		Usage: "lore credential set <provider> [flags]",
		Examples: []cli.Example{
			{
				Description: "Prompt for an Anthropic key",
				Command:     "lore credential set anthropic",
			},
			{
				Description: "Read an OpenAI key from a pipe, expiring in 90 days",
				Command:     "op read op://team/openai/key | lore credential set openai --key-file - --expires 2160h",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&userID, "user", "", "user the key belongs to (default: chat.user from the config)")
			flagSet.StringVar(&keyFile, "key-file", "", "read the key from this file, or '-' for stdin (default: prompt)")
			flagSet.DurationVar(&expires, "expires", 0, "expire the key after this duration (0 = never)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: lore credential set <provider>")
			}
			provider := args[0]
			if err := checkProvider(provider); err != nil {
				return err
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

			key, err := readKey(keyFile, provider)
			if err != nil {
				return err
			}
			defer key.Close()

			var expiresAt time.Time
			if expires > 0 {
				expiresAt = env.Clock.Now().Add(expires)
			}

			stored, err := store.Set(ctx, env.User(userID), provider, key, expiresAt)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "Stored %s key (fingerprint %s)\n", provider, stored.Fingerprint)
			if stored.ExpiresAt > 0 {
				fmt.Fprintf(os.Stdout, "Expires %s\n", formatMillis(stored.ExpiresAt))
			}
			return nil
		},
	}
}

// checkProvider rejects unknown providers and the one that takes no
// key.
func checkProvider(provider string) error {
	switch provider {
	case catalog.ProviderAnthropic, catalog.ProviderOpenAI:
		return nil
	case catalog.ProviderOllama:
		return fmt.Errorf("ollama talks to a local daemon and needs no credential")
	default:
		return fmt.Errorf("unknown provider %q (want anthropic or openai)", provider)
	}
}

// readKey obtains the API key from a file ("-" reads stdin), or
// interactively with echo disabled when no file is given.
func readKey(keyFile, provider string) (*secret.Buffer, error) {
	if keyFile != "" {
		return secret.ReadFromPath(keyFile)
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return nil, fmt.Errorf("stdin is not a terminal (pass --key-file, or --key-file - to read a pipe)")
	}

	fmt.Fprintf(os.Stderr, "%s API key: ", provider)
	keyBytes, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	buffer, err := secret.NewFromBytes(keyBytes)
	if err != nil {
		secret.Zero(keyBytes)
		return nil, err
	}
	return buffer, nil
}
