// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/loreworks/lore/cmd/lore/cli"
	"github.com/loreworks/lore/lib/chatui"
	"github.com/loreworks/lore/lib/config"
)

// Command returns the "chat" command.
func Command() *cli.Command {
	var configPath string
	var serviceURL string
	var userID string
	var modelID string

	return &cli.Command{
		Name:    "chat",
		Summary: "Open the interactive chat terminal",
		Description: `Talk to the conversation service in a full-screen terminal UI.

Replies stream token by token and render as markdown once complete,
with the corpus passages that grounded them cited underneath. Esc
cancels a reply mid-stream and keeps the partial text. Ctrl+P picks
the model, Ctrl+O an earlier conversation, Ctrl+N starts a fresh one.

The service must already be running; chat only talks to its HTTP
API and never opens the database itself.`,
		Usage: "lore chat [flags]",
		Examples: []cli.Example{
			{
				Description: "Chat using the configured service and user",
				Command:     "lore chat",
			},
			{
				Description: "Open with a specific model",
				Command:     "lore chat --model scout",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("chat", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (default: built-in defaults under ~/.lore)")
			flagSet.StringVar(&serviceURL, "service", "", "service base URL (default: chat.service_url from the config)")
			flagSet.StringVar(&userID, "user", "", "user to chat as (default: chat.user from the config)")
			flagSet.StringVar(&modelID, "model", "", "model to open with (default: first usable)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

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

			client := chatui.NewClient(chatui.ClientConfig{
				BaseURL: url,
				User:    user,
			})

			// A clear pre-flight message beats a TUI full of errors.
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if _, err := client.Health(pingCtx); err != nil {
				var apiErr *chatui.APIError
				if errors.As(err, &apiErr) {
					fmt.Fprintf(os.Stderr, "lore service at %s is unhealthy: %s\n", url, apiErr.Message)
				} else {
					fmt.Fprintf(os.Stderr, "cannot reach the lore service at %s: %v\n", url, err)
					fmt.Fprintln(os.Stderr, "Start it with 'lore-service', or point --service at a running one.")
				}
				// The message above is the output; no redundant
				// "error:" line from main.
				return &cli.ExitError{Code: 1}
			}

			return chatui.Run(chatui.ModelConfig{
				Client:  client,
				ModelID: modelID,
			})
		},
	}
}
