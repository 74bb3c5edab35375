// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single configuration document shared by lore-service
// and the lore CLI. Every field has a working default, so a missing or
// empty file yields a usable configuration rooted at ~/.lore.
type Config struct {
	// DataDir anchors every relative default below. Paths set
	// explicitly in the file are used verbatim.
	DataDir string `yaml:"data_dir"`

	// Database configures the SQLite store shared by conversations,
	// the corpus, the model catalog, and credentials.
	Database DatabaseConfig `yaml:"database"`

	// Service configures the HTTP conversation service.
	Service ServiceConfig `yaml:"service"`

	// Catalog configures model catalog seeding.
	Catalog CatalogConfig `yaml:"catalog"`

	// Credentials configures provider API key storage.
	Credentials CredentialsConfig `yaml:"credentials"`

	// Corpus configures knowledge base ingestion.
	Corpus CorpusConfig `yaml:"corpus"`

	// Retrieval configures knowledge retrieval for conversation turns.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Providers overrides provider base URLs, mainly for self-hosted
	// gateways and tests. Empty values use the provider defaults.
	Providers ProvidersConfig `yaml:"providers"`

	// Chat configures the interactive client.
	Chat ChatConfig `yaml:"chat"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	// Path is the database file. Defaults to <data_dir>/lore.db.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int `yaml:"pool_size"`
}

// ServiceConfig shapes the HTTP service.
type ServiceConfig struct {
	// Listen is the TCP address the service binds.
	Listen string `yaml:"listen"`

	// SystemPrompt overrides the built-in system prompt for every
	// conversation. Empty keeps the built-in prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// ContextRetention is how long retrieved-context audit records are
	// kept before the pruner removes them.
	ContextRetention Duration `yaml:"context_retention"`

	// PruneInterval is how often the pruner runs.
	PruneInterval Duration `yaml:"prune_interval"`

	// PruneSchedule is an optional 5-field cron expression. When set
	// it replaces PruneInterval, pinning prune runs to fixed UTC
	// wall-clock times (e.g. "0 4 * * *" for daily at 04:00).
	PruneSchedule string `yaml:"prune_schedule"`
}

// CatalogConfig locates the model catalog seed file.
type CatalogConfig struct {
	// ModelsFile is a JSONC document listing model configurations,
	// loaded into the catalog at startup. Defaults to
	// <data_dir>/models.jsonc; a missing file leaves the stored
	// catalog untouched.
	ModelsFile string `yaml:"models_file"`
}

// CredentialsConfig locates the credential master key.
type CredentialsConfig struct {
	// KeyFile holds the 32-byte master key that encrypts stored API
	// keys. Created on first use. Defaults to <data_dir>/credentials.key.
	KeyFile string `yaml:"key_file"`
}

// CorpusConfig shapes knowledge base ingestion.
type CorpusConfig struct {
	// Root is the directory of markdown sources ingested into the
	// corpus. Defaults to <data_dir>/corpus.
	Root string `yaml:"root"`

	// Debounce is how long the watcher waits after the last write to a
	// file before re-ingesting it.
	Debounce Duration `yaml:"debounce"`
}

// RetrievalConfig tunes knowledge retrieval.
type RetrievalConfig struct {
	// TopK is the number of passages retrieved per turn.
	TopK int `yaml:"top_k"`

	// Floor is the minimum blended score the best passage must reach
	// before any passage is used.
	Floor float64 `yaml:"floor"`

	// Deadline bounds a single retrieval pass.
	Deadline Duration `yaml:"deadline"`
}

// ProvidersConfig overrides provider base URLs.
type ProvidersConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Ollama    string `yaml:"ollama"`
}

// ChatConfig shapes the interactive client.
type ChatConfig struct {
	// ServiceURL is the base URL of the conversation service. Defaults
	// to the Listen address on localhost.
	ServiceURL string `yaml:"service_url"`

	// User identifies the local user to the service.
	User string `yaml:"user"`
}

// Duration is a time.Duration that unmarshals from YAML strings such
// as "500ms", "90s", or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (duration *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*duration = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (duration Duration) Std() time.Duration {
	return time.Duration(duration)
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			PoolSize: 4,
		},
		Service: ServiceConfig{
			Listen:           "127.0.0.1:7700",
			ShutdownTimeout:  Duration(10 * time.Second),
			ContextRetention: Duration(30 * 24 * time.Hour),
			PruneInterval:    Duration(24 * time.Hour),
		},
		Corpus: CorpusConfig{
			Debounce: Duration(500 * time.Millisecond),
		},
		Retrieval: RetrievalConfig{
			TopK:     5,
			Floor:    0.15,
			Deadline: Duration(1500 * time.Millisecond),
		},
		Chat: ChatConfig{
			User: "local",
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	config := defaults()
	config.finalize()
	return config
}

// Load returns the configuration at path, or [Default] when path is
// empty. There is no environment or home-directory discovery; the
// path comes from the --config flag alone.
func Load(path string) (*Config, error) {
	if path == "" {
		config := Default()
		if err := config.Validate(); err != nil {
			return nil, err
		}
		return config, nil
	}
	return LoadFile(path)
}

// LoadFile loads and validates the configuration file at path.
// Unknown fields are errors, so typos fail loudly instead of silently
// keeping a default.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	config := defaults()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	config.finalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// finalize derives the path defaults that depend on DataDir. It runs
// after decoding so a file that sets data_dir but not database.path
// gets the database under its own data_dir.
func (config *Config) finalize() {
	if config.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		config.DataDir = filepath.Join(home, ".lore")
	}
	if config.Database.Path == "" {
		config.Database.Path = filepath.Join(config.DataDir, "lore.db")
	}
	if config.Catalog.ModelsFile == "" {
		config.Catalog.ModelsFile = filepath.Join(config.DataDir, "models.jsonc")
	}
	if config.Credentials.KeyFile == "" {
		config.Credentials.KeyFile = filepath.Join(config.DataDir, "credentials.key")
	}
	if config.Corpus.Root == "" {
		config.Corpus.Root = filepath.Join(config.DataDir, "corpus")
	}
	if config.Chat.ServiceURL == "" {
		listen := config.Service.Listen
		if strings.HasPrefix(listen, ":") {
			listen = "127.0.0.1" + listen
		}
		config.Chat.ServiceURL = "http://" + listen
	}
}

// Validate checks the configuration for values that cannot work.
func (config *Config) Validate() error {
	var problems []error

	if config.Database.PoolSize < 1 {
		problems = append(problems, fmt.Errorf("database.pool_size must be at least 1, got %d", config.Database.PoolSize))
	}
	if config.Service.Listen == "" {
		problems = append(problems, errors.New("service.listen must not be empty"))
	}
	if config.Service.ShutdownTimeout.Std() <= 0 {
		problems = append(problems, errors.New("service.shutdown_timeout must be positive"))
	}
	if config.Service.ContextRetention.Std() <= 0 {
		problems = append(problems, errors.New("service.context_retention must be positive"))
	}
	if config.Service.PruneInterval.Std() <= 0 {
		problems = append(problems, errors.New("service.prune_interval must be positive"))
	}
	if config.Corpus.Debounce.Std() <= 0 {
		problems = append(problems, errors.New("corpus.debounce must be positive"))
	}
	if config.Retrieval.TopK < 1 {
		problems = append(problems, fmt.Errorf("retrieval.top_k must be at least 1, got %d", config.Retrieval.TopK))
	}
	if config.Retrieval.Floor < 0 || config.Retrieval.Floor >= 1 {
		problems = append(problems, fmt.Errorf("retrieval.floor must be in [0, 1), got %g", config.Retrieval.Floor))
	}
	if config.Retrieval.Deadline.Std() <= 0 {
		problems = append(problems, errors.New("retrieval.deadline must be positive"))
	}
	if config.Chat.User == "" {
		problems = append(problems, errors.New("chat.user must not be empty"))
	}

	return errors.Join(problems...)
}

// EnsureDataDir creates the data directory and corpus root. The mode
// is restrictive because the credential key lives under the data
// directory.
func (config *Config) EnsureDataDir() error {
	for _, dir := range []string{config.DataDir, config.Corpus.Root} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
