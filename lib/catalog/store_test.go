// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package catalog_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/sqlitepool"
)

func openTestStore(t *testing.T) *catalog.Store {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "catalog.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("Open pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close pool: %v", err)
		}
	})

	store, err := catalog.OpenStore(context.Background(), pool, clock.Fake(time.Unix(1700000000, 0)))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return store
}

func miniConfig() catalog.ModelConfiguration {
	return catalog.ModelConfiguration{
		ID:               "gpt-4o-mini",
		Provider:         catalog.ProviderOpenAI,
		DisplayName:      "GPT-4o mini",
		EmbeddingModel:   "text-embedding-3-small",
		EmbeddingDim:     1536,
		MaxContextTokens: 128000,
		CharsPerToken:    4.0,
		Active:           true,
	}
}

func TestStoreUpsertAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, miniConfig()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get(ctx, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Provider != catalog.ProviderOpenAI || got.MaxContextTokens != 128000 {
		t.Errorf("Get = %+v, want stored configuration", got)
	}
	if got.UpdatedAt == 0 {
		t.Error("UpdatedAt not assigned on upsert")
	}

	// Replace with new metadata under the same id.
	updated := miniConfig()
	updated.DisplayName = "GPT-4o mini (updated)"
	updated.CharsPerToken = 4.2
	if err := store.Upsert(ctx, updated); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	got, err = store.Get(ctx, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.DisplayName != "GPT-4o mini (updated)" {
		t.Errorf("DisplayName = %q, not updated", got.DisplayName)
	}
}

func TestStoreGetUnknown(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get(context.Background(), "nonexistent")
	if !errors.Is(err, catalog.ErrUnknownModel) {
		t.Errorf("Get error = %v, want ErrUnknownModel", err)
	}
}

func TestStoreList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	second := catalog.ModelConfiguration{
		ID:               "claude-3-5-haiku",
		Provider:         catalog.ProviderAnthropic,
		DisplayName:      "Claude 3.5 Haiku",
		MaxContextTokens: 200000,
		Active:           false,
	}
	if err := store.Upsert(ctx, miniConfig()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert second: %v", err)
	}

	configs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("List returned %d configurations, want 2", len(configs))
	}
	// Ordered by id; inactive rows included.
	if configs[0].ID != "claude-3-5-haiku" || configs[1].ID != "gpt-4o-mini" {
		t.Errorf("List order = %s, %s; want id order", configs[0].ID, configs[1].ID)
	}
	if configs[0].Active {
		t.Error("inactive configuration listed as active")
	}
}

func TestStoreSetActive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, miniConfig()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.SetActive(ctx, "gpt-4o-mini", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	got, err := store.Get(ctx, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Active {
		t.Error("configuration still active after SetActive(false)")
	}

	if err := store.SetActive(ctx, "nonexistent", true); !errors.Is(err, catalog.ErrUnknownModel) {
		t.Errorf("SetActive unknown error = %v, want ErrUnknownModel", err)
	}
}

func TestStoreSeedPreservesOperatorDisable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seed := []catalog.ModelConfiguration{miniConfig()}
	if err := store.Seed(ctx, seed); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	// Operator disables the model, then the service restarts and
	// seeds again with refreshed metadata.
	if err := store.SetActive(ctx, "gpt-4o-mini", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	refreshed := miniConfig()
	refreshed.DisplayName = "GPT-4o mini v2"
	if err := store.Seed(ctx, []catalog.ModelConfiguration{refreshed}); err != nil {
		t.Fatalf("Seed again: %v", err)
	}

	got, err := store.Get(ctx, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Active {
		t.Error("seed overwrote the operator's active=false")
	}
	if got.DisplayName != "GPT-4o mini v2" {
		t.Errorf("DisplayName = %q, seed did not refresh metadata", got.DisplayName)
	}
}

func TestStoreCharsPerToken(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if got := store.CharsPerToken("gpt-4o-mini"); got != 0 {
		t.Errorf("CharsPerToken before upsert = %v, want 0", got)
	}
	if err := store.Upsert(ctx, miniConfig()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got := store.CharsPerToken("gpt-4o-mini"); got != 4.0 {
		t.Errorf("CharsPerToken = %v, want 4.0", got)
	}
}

func TestStoreRatioCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("Open pool: %v", err)
	}
	store, err := catalog.OpenStore(ctx, pool, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := store.Upsert(ctx, miniConfig()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close pool: %v", err)
	}

	pool, err = sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("reopen pool: %v", err)
	}
	defer pool.Close()
	reopened, err := catalog.OpenStore(ctx, pool, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if got := reopened.CharsPerToken("gpt-4o-mini"); got != 4.0 {
		t.Errorf("CharsPerToken after reopen = %v, want 4.0", got)
	}
}
