// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/joho/godotenv"

	"github.com/loreworks/lore/lib/sealed"
	"github.com/loreworks/lore/lib/secret"
)

// bundleVersion is the format version of exported credential
// bundles. Bumped when the JSON layout changes incompatibly.
const bundleVersion = 1

// bundleFile is the JSON payload inside an age-encrypted export
// bundle. Keys are plaintext here; the payload only ever exists
// inside guarded buffers and the age ciphertext.
type bundleFile struct {
	Version     int               `json:"version"`
	ExportedAt  time.Time         `json:"exportedAt"`
	Credentials map[string]string `json:"credentials"`
}

// envProviders maps dotenv variable names to provider ids for
// [Store.ImportEnv]. Ollama is absent: it needs no credential.
var envProviders = []struct {
	envKey   string
	provider string
}{
	{"ANTHROPIC_API_KEY", "anthropic"},
	{"OPENAI_API_KEY", "openai"},
}

// ExportBundle decrypts the user's active, unexpired credentials and
// seals them to the given age recipient public keys. Returns the
// base64 ciphertext for writing to a bundle file. Fails when the
// user has nothing exportable.
func (store *Store) ExportBundle(ctx context.Context, userID string, recipientKeys []string) (string, error) {
	credentials, err := store.List(ctx, userID)
	if err != nil {
		return "", err
	}

	bundle := bundleFile{
		Version:     bundleVersion,
		ExportedAt:  store.clock.Now().UTC(),
		Credentials: make(map[string]string),
	}
	for _, credential := range credentials {
		if !credential.Active || store.expired(credential.ExpiresAt) {
			continue
		}
		key, err := store.APIKey(ctx, userID, credential.Provider)
		if err != nil {
			return "", err
		}
		bundle.Credentials[credential.Provider] = key
	}
	if len(bundle.Credentials) == 0 {
		return "", fmt.Errorf("credential store: nothing to export for %s", userID)
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("credential store: encoding bundle: %w", err)
	}
	ciphertext, err := sealed.EncryptJSON(payload, recipientKeys)
	secret.Zero(payload)
	if err != nil {
		return "", fmt.Errorf("credential store: sealing bundle: %w", err)
	}

	store.logger.Info("credential bundle exported",
		"user", userID, "providers", len(bundle.Credentials), "recipients", len(recipientKeys))
	return ciphertext, nil
}

// ImportBundle decrypts an export bundle with the age identity and
// stores every credential in it for the user, replacing existing
// keys per provider. The identity buffer is borrowed and NOT closed.
// Returns the imported providers in order.
func (store *Store) ImportBundle(ctx context.Context, userID, ciphertext string, identity *secret.Buffer) ([]string, error) {
	payload, err := sealed.DecryptJSON(ciphertext, identity)
	if err != nil {
		return nil, fmt.Errorf("credential store: opening bundle: %w", err)
	}
	defer payload.Close()

	// Unmarshal copies key material onto the heap; unavoidable at the
	// json boundary and request-scoped, same as the provider clients.
	var bundle bundleFile
	if err := json.Unmarshal(payload.Bytes(), &bundle); err != nil {
		return nil, fmt.Errorf("credential store: decoding bundle: %w", err)
	}
	if bundle.Version != bundleVersion {
		return nil, fmt.Errorf("credential store: bundle version %d is not supported (expected %d)",
			bundle.Version, bundleVersion)
	}
	if len(bundle.Credentials) == 0 {
		return nil, fmt.Errorf("credential store: bundle is empty")
	}

	providers := make([]string, 0, len(bundle.Credentials))
	for provider := range bundle.Credentials {
		providers = append(providers, provider)
	}
	slices.Sort(providers)

	for _, provider := range providers {
		if err := store.setFromPlaintext(ctx, userID, provider, bundle.Credentials[provider]); err != nil {
			return nil, err
		}
	}

	store.logger.Info("credential bundle imported", "user", userID, "providers", len(providers))
	return providers, nil
}

// ImportEnv reads a dotenv file and stores every recognized provider
// key for the user. Unrecognized variables are ignored. Fails when
// the file contains no provider keys at all.
func (store *Store) ImportEnv(ctx context.Context, userID, path string) ([]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("credential store: reading %s: %w", path, err)
	}

	var providers []string
	for _, mapping := range envProviders {
		key := values[mapping.envKey]
		if key == "" {
			continue
		}
		if err := store.setFromPlaintext(ctx, userID, mapping.provider, key); err != nil {
			return nil, err
		}
		providers = append(providers, mapping.provider)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("credential store: no provider keys found in %s", path)
	}

	store.logger.Info("credentials imported from env", "user", userID, "providers", len(providers))
	return providers, nil
}

func (store *Store) setFromPlaintext(ctx context.Context, userID, provider, key string) error {
	buffer, err := secret.NewFromBytes([]byte(key))
	if err != nil {
		return fmt.Errorf("credential store: protecting %s key: %w", provider, err)
	}
	defer buffer.Close()
	if _, err := store.Set(ctx, userID, provider, buffer, time.Time{}); err != nil {
		return err
	}
	return nil
}
