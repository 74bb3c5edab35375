// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()

	if filepath.Base(cfg.DataDir) != ".lore" {
		t.Errorf("DataDir = %q, want a .lore directory", cfg.DataDir)
	}
	if got, want := cfg.Database.Path, filepath.Join(cfg.DataDir, "lore.db"); got != want {
		t.Errorf("Database.Path = %q, want %q", got, want)
	}
	if cfg.Database.PoolSize != 4 {
		t.Errorf("Database.PoolSize = %d, want 4", cfg.Database.PoolSize)
	}
	if cfg.Service.Listen != "127.0.0.1:7700" {
		t.Errorf("Service.Listen = %q, want 127.0.0.1:7700", cfg.Service.Listen)
	}
	if got := cfg.Service.ContextRetention.Std(); got != 30*24*time.Hour {
		t.Errorf("Service.ContextRetention = %v, want 720h", got)
	}
	if got, want := cfg.Corpus.Root, filepath.Join(cfg.DataDir, "corpus"); got != want {
		t.Errorf("Corpus.Root = %q, want %q", got, want)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.Floor != 0.15 {
		t.Errorf("Retrieval.Floor = %g, want 0.15", cfg.Retrieval.Floor)
	}
	if cfg.Chat.ServiceURL != "http://127.0.0.1:7700" {
		t.Errorf("Chat.ServiceURL = %q, want http://127.0.0.1:7700", cfg.Chat.ServiceURL)
	}
	if cfg.Chat.User != "local" {
		t.Errorf("Chat.User = %q, want local", cfg.Chat.User)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Service.Listen != "127.0.0.1:7700" {
		t.Errorf("Service.Listen = %q, want default", cfg.Service.Listen)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lore.yaml")
	content := `
data_dir: /srv/lore

database:
  pool_size: 8

service:
  listen: 0.0.0.0:9000
  system_prompt: Answer from the runbooks.
  context_retention: 168h
  prune_interval: 1h
  prune_schedule: 0 4 * * *

corpus:
  debounce: 2s

retrieval:
  top_k: 3
  floor: 0.3

providers:
  ollama: http://gpu-box:11434

chat:
  user: morgan
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.DataDir != "/srv/lore" {
		t.Errorf("DataDir = %q, want /srv/lore", cfg.DataDir)
	}

	// Unset paths derive from the custom data_dir, not the home default.
	if got, want := cfg.Database.Path, filepath.Join("/srv/lore", "lore.db"); got != want {
		t.Errorf("Database.Path = %q, want %q", got, want)
	}
	if got, want := cfg.Credentials.KeyFile, filepath.Join("/srv/lore", "credentials.key"); got != want {
		t.Errorf("Credentials.KeyFile = %q, want %q", got, want)
	}
	if got, want := cfg.Corpus.Root, filepath.Join("/srv/lore", "corpus"); got != want {
		t.Errorf("Corpus.Root = %q, want %q", got, want)
	}

	if cfg.Database.PoolSize != 8 {
		t.Errorf("Database.PoolSize = %d, want 8", cfg.Database.PoolSize)
	}
	if cfg.Service.Listen != "0.0.0.0:9000" {
		t.Errorf("Service.Listen = %q, want 0.0.0.0:9000", cfg.Service.Listen)
	}
	if cfg.Service.SystemPrompt != "Answer from the runbooks." {
		t.Errorf("Service.SystemPrompt = %q", cfg.Service.SystemPrompt)
	}
	if got := cfg.Service.ContextRetention.Std(); got != 7*24*time.Hour {
		t.Errorf("Service.ContextRetention = %v, want 168h", got)
	}
	if got := cfg.Service.PruneInterval.Std(); got != time.Hour {
		t.Errorf("Service.PruneInterval = %v, want 1h", got)
	}
	if cfg.Service.PruneSchedule != "0 4 * * *" {
		t.Errorf("Service.PruneSchedule = %q, want cron expression", cfg.Service.PruneSchedule)
	}
	if got := cfg.Corpus.Debounce.Std(); got != 2*time.Second {
		t.Errorf("Corpus.Debounce = %v, want 2s", got)
	}
	if cfg.Retrieval.TopK != 3 {
		t.Errorf("Retrieval.TopK = %d, want 3", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.Floor != 0.3 {
		t.Errorf("Retrieval.Floor = %g, want 0.3", cfg.Retrieval.Floor)
	}
	if cfg.Providers.Ollama != "http://gpu-box:11434" {
		t.Errorf("Providers.Ollama = %q", cfg.Providers.Ollama)
	}
	if cfg.Chat.User != "morgan" {
		t.Errorf("Chat.User = %q, want morgan", cfg.Chat.User)
	}

	// Untouched knobs keep their defaults.
	if got := cfg.Service.ShutdownTimeout.Std(); got != 10*time.Second {
		t.Errorf("Service.ShutdownTimeout = %v, want 10s default", got)
	}
	if got := cfg.Retrieval.Deadline.Std(); got != 1500*time.Millisecond {
		t.Errorf("Retrieval.Deadline = %v, want 1.5s default", got)
	}
	if cfg.Chat.ServiceURL != "http://0.0.0.0:9000" {
		t.Errorf("Chat.ServiceURL = %q, want derived from listen", cfg.Chat.ServiceURL)
	}
}

func TestLoadFileRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lore.yaml")
	content := `
service:
  listen: 127.0.0.1:7700
  shutdown_timout: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "shutdown_timout") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestLoadFileEmptyDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lore.yaml")
	if err := os.WriteFile(path, []byte("# all defaults\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Service.Listen != "127.0.0.1:7700" {
		t.Errorf("Service.Listen = %q, want default", cfg.Service.Listen)
	}
}

func TestLoadFileBadDuration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lore.yaml")
	content := `
service:
  prune_interval: often
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for bad duration, got nil")
	}
	if !strings.Contains(err.Error(), "often") {
		t.Errorf("error %q does not include the bad value", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "zero pool size",
			modify: func(c *Config) {
				c.Database.PoolSize = 0
			},
			wantErr: true,
		},
		{
			name: "empty listen address",
			modify: func(c *Config) {
				c.Service.Listen = ""
			},
			wantErr: true,
		},
		{
			name: "zero retention",
			modify: func(c *Config) {
				c.Service.ContextRetention = 0
			},
			wantErr: true,
		},
		{
			name: "zero top_k",
			modify: func(c *Config) {
				c.Retrieval.TopK = 0
			},
			wantErr: true,
		},
		{
			name: "floor at one",
			modify: func(c *Config) {
				c.Retrieval.Floor = 1.0
			},
			wantErr: true,
		},
		{
			name: "negative floor",
			modify: func(c *Config) {
				c.Retrieval.Floor = -0.1
			},
			wantErr: true,
		},
		{
			name: "empty chat user",
			modify: func(c *Config) {
				c.Chat.User = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsureDataDir(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "lore")
	cfg.Corpus.Root = filepath.Join(cfg.DataDir, "corpus")

	if err := cfg.EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}

	for _, path := range []string{cfg.DataDir, cfg.Corpus.Root} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}
