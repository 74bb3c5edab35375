// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/sqlitepool"
)

// ErrUnknownModel is returned by Get for an id the catalog has never
// seen.
var ErrUnknownModel = errors.New("catalog: unknown model")

const storeSchema = `
CREATE TABLE IF NOT EXISTS model_configurations (
	id                 TEXT PRIMARY KEY,
	provider           TEXT NOT NULL,
	display_name       TEXT NOT NULL,
	embedding_model    TEXT NOT NULL DEFAULT '',
	embedding_dim      INTEGER NOT NULL DEFAULT 0,
	max_context_tokens INTEGER NOT NULL,
	chars_per_token    REAL NOT NULL DEFAULT 4.0,
	active             INTEGER NOT NULL DEFAULT 1,
	updated_at         INTEGER NOT NULL
);
`

// Store persists model configurations. It keeps the character ratios
// in memory so token counting never touches the database. Safe for
// concurrent use.
type Store struct {
	pool  *sqlitepool.Pool
	clock clock.Clock

	ratioMu sync.RWMutex
	ratios  map[string]float64
}

// OpenStore creates the schema if needed and loads the ratio cache.
// The pool is shared with the other stores and not closed by the
// catalog.
func OpenStore(ctx context.Context, pool *sqlitepool.Pool, ticker clock.Clock) (*Store, error) {
	if ticker == nil {
		ticker = clock.Real()
	}
	store := &Store{
		pool:   pool,
		clock:  ticker,
		ratios: make(map[string]float64),
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog store: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, storeSchema, nil); err != nil {
		return nil, fmt.Errorf("catalog store: creating schema: %w", err)
	}

	err = sqlitex.Execute(conn, "SELECT id, chars_per_token FROM model_configurations", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			store.ratios[stmt.ColumnText(0)] = stmt.ColumnFloat(1)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog store: loading ratios: %w", err)
	}

	return store, nil
}

// Upsert writes a configuration, replacing any prior row with the
// same id. Active is written as given.
func (store *Store) Upsert(ctx context.Context, config ModelConfiguration) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("catalog store: %w", err)
	}

	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("catalog store: upsert: %w", err)
	}
	defer store.pool.Put(conn)

	if err := store.upsert(conn, config, true); err != nil {
		return err
	}
	store.cacheRatio(config)
	return nil
}

// Seed writes configurations parsed from the models file in one
// transaction. Metadata of existing rows is refreshed, but the active
// flag of an existing row is left as the operator set it; only new
// rows take the seed's active value.
func (store *Store) Seed(ctx context.Context, configs []ModelConfiguration) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("catalog store: seed: %w", err)
	}
	defer store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("catalog store: seed: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, config := range configs {
		if err = config.Validate(); err != nil {
			return fmt.Errorf("catalog store: seed: %w", err)
		}
		if err = store.upsert(conn, config, false); err != nil {
			return err
		}
	}

	for _, config := range configs {
		store.cacheRatio(config)
	}
	return nil
}

// upsert writes one row. When overwriteActive is false an existing
// row keeps its active flag.
func (store *Store) upsert(conn *sqlite.Conn, config ModelConfiguration, overwriteActive bool) error {
	activeUpdate := "active = excluded.active,"
	if !overwriteActive {
		activeUpdate = ""
	}
	query := fmt.Sprintf(`INSERT INTO model_configurations
		(id, provider, display_name, embedding_model, embedding_dim,
		 max_context_tokens, chars_per_token, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			display_name = excluded.display_name,
			embedding_model = excluded.embedding_model,
			embedding_dim = excluded.embedding_dim,
			max_context_tokens = excluded.max_context_tokens,
			chars_per_token = excluded.chars_per_token,
			%s
			updated_at = excluded.updated_at`, activeUpdate)

	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{
			config.ID,
			config.Provider,
			config.DisplayName,
			config.EmbeddingModel,
			config.EmbeddingDim,
			config.MaxContextTokens,
			config.CharsPerToken,
			boolToInt(config.Active),
			store.clock.Now().UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("catalog store: upsert %s: %w", config.ID, err)
	}
	return nil
}

// Get returns the configuration for id, or ErrUnknownModel.
func (store *Store) Get(ctx context.Context, id string) (ModelConfiguration, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return ModelConfiguration{}, fmt.Errorf("catalog store: get: %w", err)
	}
	defer store.pool.Put(conn)

	var config ModelConfiguration
	found := false
	err = sqlitex.Execute(conn, `SELECT id, provider, display_name, embedding_model,
		embedding_dim, max_context_tokens, chars_per_token, active, updated_at
		FROM model_configurations WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			config = scanConfiguration(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return ModelConfiguration{}, fmt.Errorf("catalog store: get %s: %w", id, err)
	}
	if !found {
		return ModelConfiguration{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return config, nil
}

// List returns every configuration ordered by id, inactive included.
func (store *Store) List(ctx context.Context) ([]ModelConfiguration, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog store: list: %w", err)
	}
	defer store.pool.Put(conn)

	var configs []ModelConfiguration
	err = sqlitex.Execute(conn, `SELECT id, provider, display_name, embedding_model,
		embedding_dim, max_context_tokens, chars_per_token, active, updated_at
		FROM model_configurations ORDER BY id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			configs = append(configs, scanConfiguration(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog store: list: %w", err)
	}
	return configs, nil
}

// SetActive flips the operator enable switch.
func (store *Store) SetActive(ctx context.Context, id string, active bool) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("catalog store: set active: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE model_configurations SET active = ?, updated_at = ? WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{boolToInt(active), store.clock.Now().UnixMilli(), id},
	})
	if err != nil {
		return fmt.Errorf("catalog store: set active %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return nil
}

// CharsPerToken returns the cached ratio for modelID, 0 for unknown
// models (the counter treats 0 as its default). Implements the
// embedding gateway's RatioSource.
func (store *Store) CharsPerToken(modelID string) float64 {
	store.ratioMu.RLock()
	defer store.ratioMu.RUnlock()
	return store.ratios[modelID]
}

func (store *Store) cacheRatio(config ModelConfiguration) {
	store.ratioMu.Lock()
	defer store.ratioMu.Unlock()
	store.ratios[config.ID] = config.CharsPerToken
}

func scanConfiguration(stmt *sqlite.Stmt) ModelConfiguration {
	return ModelConfiguration{
		ID:               stmt.ColumnText(0),
		Provider:         stmt.ColumnText(1),
		DisplayName:      stmt.ColumnText(2),
		EmbeddingModel:   stmt.ColumnText(3),
		EmbeddingDim:     stmt.ColumnInt(4),
		MaxContextTokens: stmt.ColumnInt(5),
		CharsPerToken:    stmt.ColumnFloat(6),
		Active:           stmt.ColumnInt(7) != 0,
		UpdatedAt:        stmt.ColumnInt64(8),
	}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
