// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loreworks/lore/lib/bm25"
	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/embedding"
	"github.com/loreworks/lore/lib/sqlitepool"
)

// ErrNoEntry is returned by Get for an id the corpus does not hold.
var ErrNoEntry = errors.New("corpus: no entry")

const storeSchema = `
CREATE TABLE IF NOT EXISTS corpus_entries (
	id              TEXT PRIMARY KEY,
	origin          TEXT NOT NULL,
	title           TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT '',
	language        TEXT NOT NULL DEFAULT '',
	content_hash    TEXT NOT NULL,
	text_length     INTEGER NOT NULL,
	compressed_text BLOB NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS corpus_entries_origin ON corpus_entries(origin);

CREATE TABLE IF NOT EXISTS corpus_embeddings (
	entry_id   TEXT NOT NULL REFERENCES corpus_entries(id) ON DELETE CASCADE,
	provider   TEXT NOT NULL,
	model      TEXT NOT NULL,
	dim        INTEGER NOT NULL,
	vector     BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (entry_id, provider)
);
`

// Store persists corpus entries and their per-provider embeddings,
// and keeps a BM25 index over titles, categories, and text in memory.
// Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	indexMu sync.RWMutex
	index   *bm25.Index
}

// Config holds the parameters for opening a corpus store.
type Config struct {
	// Pool is the shared database handle. Required. The store does
	// not close it.
	Pool *sqlitepool.Pool

	// Clock stamps entries. If nil, the real clock is used.
	Clock clock.Clock

	// Logger receives mutation diagnostics. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// OpenStore creates the schema if needed and builds the lexical index
// from the stored entries.
func OpenStore(ctx context.Context, config Config) (*Store, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("corpus store: Pool is required")
	}
	ticker := config.Clock
	if ticker == nil {
		ticker = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	store := &Store{pool: config.Pool, clock: ticker, logger: logger}

	conn, err := config.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("corpus store: %w", err)
	}
	defer config.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, storeSchema, nil); err != nil {
		return nil, fmt.Errorf("corpus store: creating schema: %w", err)
	}
	if err := store.rebuildIndex(conn); err != nil {
		return nil, err
	}
	return store, nil
}

// ReplaceOrigin swaps the entries for one source file in a single
// transaction. Incoming chunks are matched against the existing rows
// by content hash: a matched chunk keeps its entry id, its creation
// time, and any embeddings already computed for it; the rest are
// inserted fresh and unmatched old rows are deleted, embeddings
// cascading away with them. Passing no entries removes the origin.
// Returns the persisted entries, kept ones included, with ids and
// timestamps filled in.
func (store *Store) ReplaceOrigin(ctx context.Context, origin string, entries []Entry) ([]Entry, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("corpus store: replace %s: %w", origin, err)
	}
	defer store.pool.Put(conn)

	persisted, err := store.replaceOrigin(conn, origin, entries)
	if err != nil {
		return nil, err
	}
	if err := store.rebuildIndex(conn); err != nil {
		return nil, err
	}
	return persisted, nil
}

func (store *Store) replaceOrigin(conn *sqlite.Conn, origin string, entries []Entry) (persisted []Entry, err error) {
	if origin == "" {
		return nil, fmt.Errorf("corpus store: replace: origin is empty")
	}
	for _, entry := range entries {
		if err := entry.validate(); err != nil {
			return nil, fmt.Errorf("corpus store: replace %s: %w", origin, err)
		}
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("corpus store: replace %s: begin transaction: %w", origin, err)
	}
	defer endTransaction(&err)

	// Existing rows for this origin, grouped by content hash. A
	// re-ingested chunk with unchanged text reclaims one of them.
	type existing struct {
		id        string
		createdAt int64
		updatedAt int64
	}
	byHash := make(map[string][]existing)
	err = sqlitex.Execute(conn, "SELECT id, content_hash, created_at, updated_at FROM corpus_entries WHERE origin = ?", &sqlitex.ExecOptions{
		Args: []any{origin},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			hash := stmt.ColumnText(1)
			byHash[hash] = append(byHash[hash], existing{
				id:        stmt.ColumnText(0),
				createdAt: stmt.ColumnInt64(2),
				updatedAt: stmt.ColumnInt64(3),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("corpus store: replace %s: loading existing: %w", origin, err)
	}

	now := store.clock.Now().UnixMilli()
	kept := 0
	persisted = make([]Entry, 0, len(entries))
	for _, entry := range entries {
		entry.Origin = origin
		entry.Hash = hashText(entry.Text)
		entry.Length = len(entry.Text)

		if matches := byHash[entry.Hash]; len(matches) > 0 {
			match := matches[0]
			byHash[entry.Hash] = matches[1:]
			entry.ID = match.id
			entry.CreatedAt = match.createdAt
			entry.UpdatedAt = match.updatedAt
			// Text is unchanged; refresh the metadata only when the
			// title or classification moved so recency stays honest.
			err = sqlitex.Execute(conn, `UPDATE corpus_entries
				SET title = ?, category = ?, language = ?, updated_at = ?
				WHERE id = ? AND (title != ? OR category != ? OR language != ?)`, &sqlitex.ExecOptions{
				Args: []any{entry.Title, entry.Category, entry.Language, now, match.id,
					entry.Title, entry.Category, entry.Language},
			})
			if err != nil {
				return nil, fmt.Errorf("corpus store: replace %s: refresh %q: %w", origin, entry.Title, err)
			}
			if conn.Changes() > 0 {
				entry.UpdatedAt = now
			}
			kept++
			persisted = append(persisted, entry)
			continue
		}

		entry.ID = uuid.NewString()
		entry.CreatedAt = now
		entry.UpdatedAt = now
		err = sqlitex.Execute(conn, `INSERT INTO corpus_entries
			(id, origin, title, category, language, content_hash, text_length, compressed_text, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{entry.ID, entry.Origin, entry.Title, entry.Category, entry.Language,
				entry.Hash, entry.Length, compressText(entry.Text), now, now},
		})
		if err != nil {
			return nil, fmt.Errorf("corpus store: replace %s: insert %q: %w", origin, entry.Title, err)
		}
		persisted = append(persisted, entry)
	}

	// Whatever was not reclaimed is gone from the source file.
	stale := 0
	for _, leftovers := range byHash {
		for _, leftover := range leftovers {
			err = sqlitex.Execute(conn, "DELETE FROM corpus_entries WHERE id = ?", &sqlitex.ExecOptions{
				Args: []any{leftover.id},
			})
			if err != nil {
				return nil, fmt.Errorf("corpus store: replace %s: delete stale: %w", origin, err)
			}
			stale++
		}
	}

	store.logger.Debug("corpus origin replaced",
		"origin", origin,
		"entries", len(entries),
		"kept", kept,
		"stale", stale,
	)
	return persisted, nil
}

// DeleteOrigin removes every entry for one source file. Returns the
// number of entries removed; zero is not an error.
func (store *Store) DeleteOrigin(ctx context.Context, origin string) (int, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("corpus store: delete origin %s: %w", origin, err)
	}
	defer store.pool.Put(conn)

	removed, err := store.deleteOrigin(conn, origin)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if err := store.rebuildIndex(conn); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

func (store *Store) deleteOrigin(conn *sqlite.Conn, origin string) (int, error) {
	err := sqlitex.Execute(conn, "DELETE FROM corpus_entries WHERE origin = ?", &sqlitex.ExecOptions{
		Args: []any{origin},
	})
	if err != nil {
		return 0, fmt.Errorf("corpus store: delete origin %s: %w", origin, err)
	}
	removed := conn.Changes()
	if removed > 0 {
		store.logger.Debug("corpus origin removed", "origin", origin, "entries", removed)
	}
	return removed, nil
}

// Get returns one entry with its text, or ErrNoEntry.
func (store *Store) Get(ctx context.Context, id string) (Entry, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("corpus store: get: %w", err)
	}
	defer store.pool.Put(conn)

	return getEntry(conn, id)
}

// GetMany returns the entries for ids in input order, with text. Ids
// that no longer exist are skipped rather than failing the batch:
// retrieval may race a re-ingest and the surviving hits are still
// useful.
func (store *Store) GetMany(ctx context.Context, ids []string) ([]Entry, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("corpus store: get many: %w", err)
	}
	defer store.pool.Put(conn)

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := getEntry(conn, id)
		if errors.Is(err, ErrNoEntry) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// List returns every entry ordered by origin then creation, without
// text. Length reports each entry's stored size.
func (store *Store) List(ctx context.Context) ([]Entry, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("corpus store: list: %w", err)
	}
	defer store.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, `SELECT id, origin, title, category, language, content_hash,
		text_length, created_at, updated_at
		FROM corpus_entries ORDER BY origin, created_at, id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, Entry{
				ID:        stmt.ColumnText(0),
				Origin:    stmt.ColumnText(1),
				Title:     stmt.ColumnText(2),
				Category:  stmt.ColumnText(3),
				Language:  stmt.ColumnText(4),
				Hash:      stmt.ColumnText(5),
				Length:    stmt.ColumnInt(6),
				CreatedAt: stmt.ColumnInt64(7),
				UpdatedAt: stmt.ColumnInt64(8),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("corpus store: list: %w", err)
	}
	return entries, nil
}

// Stats reports corpus size and per-provider embedding coverage.
func (store *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("corpus store: stats: %w", err)
	}
	defer store.pool.Put(conn)

	stats := Stats{Providers: make(map[string]int)}
	err = sqlitex.Execute(conn, "SELECT COUNT(*), COUNT(DISTINCT origin) FROM corpus_entries", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Entries = stmt.ColumnInt(0)
			stats.Origins = stmt.ColumnInt(1)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("corpus store: stats: %w", err)
	}

	err = sqlitex.Execute(conn, "SELECT provider, COUNT(*) FROM corpus_embeddings GROUP BY provider", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Providers[stmt.ColumnText(0)] = stmt.ColumnInt(1)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("corpus store: stats: %w", err)
	}
	return stats, nil
}

// PutEmbedding stores provider's vector for an entry, replacing any
// prior one. The vector is packed with the embedding codec. Fails if
// the entry does not exist.
func (store *Store) PutEmbedding(ctx context.Context, entryID, provider, model string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("corpus store: put embedding %s/%s: empty vector", entryID, provider)
	}
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("corpus store: put embedding: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO corpus_embeddings (entry_id, provider, model, dim, vector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id, provider) DO UPDATE SET
			model = excluded.model,
			dim = excluded.dim,
			vector = excluded.vector,
			updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
		Args: []any{entryID, provider, model, len(vector), embedding.PackVector(vector), store.clock.Now().UnixMilli()},
	})
	if err != nil {
		return fmt.Errorf("corpus store: put embedding %s/%s: %w", entryID, provider, err)
	}
	return nil
}

// MissingEmbeddings returns up to limit entries, text included, that
// have no vector for provider, oldest first. limit <= 0 returns all
// of them.
func (store *Store) MissingEmbeddings(ctx context.Context, provider string, limit int) ([]Entry, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("corpus store: missing embeddings: %w", err)
	}
	defer store.pool.Put(conn)

	if limit <= 0 {
		limit = -1
	}
	var entries []Entry
	err = sqlitex.Execute(conn, `SELECT e.id, e.origin, e.title, e.category, e.language, e.content_hash,
		e.text_length, e.compressed_text, e.created_at, e.updated_at
		FROM corpus_entries e
		LEFT JOIN corpus_embeddings b ON b.entry_id = e.id AND b.provider = ?
		WHERE b.entry_id IS NULL
		ORDER BY e.created_at, e.id
		LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{provider, limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry := scanEntry(stmt)
			blob := make([]byte, stmt.ColumnLen(7))
			stmt.ColumnBytes(7, blob)
			text, err := decompressText(blob, entry.Length)
			if err != nil {
				return fmt.Errorf("entry %s: %w", entry.ID, err)
			}
			entry.Text = text
			entries = append(entries, entry)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("corpus store: missing embeddings for %s: %w", provider, err)
	}
	return entries, nil
}

// Candidates returns every entry's identity and recency plus its
// vector for provider when one is stored. The retrieval scorer walks
// this to rank the whole corpus.
func (store *Store) Candidates(ctx context.Context, provider string) ([]Candidate, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("corpus store: candidates: %w", err)
	}
	defer store.pool.Put(conn)

	var candidates []Candidate
	err = sqlitex.Execute(conn, `SELECT e.id, e.updated_at, b.vector
		FROM corpus_entries e
		LEFT JOIN corpus_embeddings b ON b.entry_id = e.id AND b.provider = ?`, &sqlitex.ExecOptions{
		Args: []any{provider},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			candidate := Candidate{
				ID:        stmt.ColumnText(0),
				UpdatedAt: stmt.ColumnInt64(1),
			}
			if !stmt.ColumnIsNull(2) {
				blob := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, blob)
				vector, err := embedding.UnpackVector(blob)
				if err != nil {
					return fmt.Errorf("entry %s: %w", candidate.ID, err)
				}
				candidate.Vector = vector
			}
			candidates = append(candidates, candidate)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("corpus store: candidates for %s: %w", provider, err)
	}
	return candidates, nil
}

// Lexical queries the in-memory BM25 index. Result names are entry
// ids. limit <= 0 returns every hit.
func (store *Store) Lexical(query string, limit int) []bm25.Result {
	store.indexMu.RLock()
	defer store.indexMu.RUnlock()
	return store.index.Search(query, limit)
}

// rebuildIndex loads every entry and swaps in a fresh BM25 index.
// Mutators call it after their transaction commits; a reader holding
// the old index just sees the pre-mutation corpus.
func (store *Store) rebuildIndex(conn *sqlite.Conn) error {
	var documents []bm25.Document
	err := sqlitex.Execute(conn, "SELECT id, title, category, text_length, compressed_text FROM corpus_entries", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(4))
			stmt.ColumnBytes(4, blob)
			text, err := decompressText(blob, stmt.ColumnInt(3))
			if err != nil {
				return fmt.Errorf("entry %s: %w", stmt.ColumnText(0), err)
			}
			documents = append(documents, bm25.Document{
				Name: stmt.ColumnText(0),
				Fields: []bm25.Field{
					{Text: stmt.ColumnText(1), Weight: 3},
					{Text: stmt.ColumnText(2), Weight: 2},
					{Text: text, Weight: 1},
				},
			})
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("corpus store: rebuilding index: %w", err)
	}

	index := bm25.New(documents)
	store.indexMu.Lock()
	store.index = index
	store.indexMu.Unlock()
	return nil
}

func getEntry(conn *sqlite.Conn, id string) (Entry, error) {
	var entry Entry
	var blob []byte
	found := false
	err := sqlitex.Execute(conn, `SELECT id, origin, title, category, language, content_hash,
		text_length, compressed_text, created_at, updated_at
		FROM corpus_entries WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry = scanEntry(stmt)
			blob = make([]byte, stmt.ColumnLen(7))
			stmt.ColumnBytes(7, blob)
			found = true
			return nil
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("corpus store: get %s: %w", id, err)
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s", ErrNoEntry, id)
	}
	text, err := decompressText(blob, entry.Length)
	if err != nil {
		return Entry{}, fmt.Errorf("corpus store: get %s: %w", id, err)
	}
	entry.Text = text
	return entry, nil
}

// scanEntry reads the canonical ten-column entry row. Text stays
// empty; the caller decompresses column 7 itself when it needs it.
func scanEntry(stmt *sqlite.Stmt) Entry {
	return Entry{
		ID:        stmt.ColumnText(0),
		Origin:    stmt.ColumnText(1),
		Title:     stmt.ColumnText(2),
		Category:  stmt.ColumnText(3),
		Language:  stmt.ColumnText(4),
		Hash:      stmt.ColumnText(5),
		Length:    stmt.ColumnInt(6),
		CreatedAt: stmt.ColumnInt64(8),
		UpdatedAt: stmt.ColumnInt64(9),
	}
}
