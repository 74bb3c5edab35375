// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/secret"
	"github.com/loreworks/lore/lib/sqlitepool"
)

// ErrNoCredential is returned when no usable credential exists for a
// (user, provider) pair: never set, revoked, or expired.
var ErrNoCredential = errors.New("credstore: no credential")

const storeSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	user_id     TEXT NOT NULL,
	provider    TEXT NOT NULL,
	ciphertext  BLOB NOT NULL,
	fingerprint TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	expires_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (user_id, provider)
);
`

// Credential is the metadata of one stored API key. The key itself
// never appears here; Fingerprint identifies it for display.
// Timestamps are Unix milliseconds; ExpiresAt zero means no expiry.
type Credential struct {
	UserID      string `json:"userId"`
	Provider    string `json:"provider"`
	Fingerprint string `json:"fingerprint"`
	Active      bool   `json:"active"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Store persists encrypted credentials. Safe for concurrent use; all
// state lives in SQLite and the KeySet.
type Store struct {
	pool   *sqlitepool.Pool
	keys   *KeySet
	clock  clock.Clock
	logger *slog.Logger
}

// Config carries the dependencies for [OpenStore].
type Config struct {
	// Pool is the SQLite connection pool, shared with the other
	// stores and not closed by the credential store. Required.
	Pool *sqlitepool.Pool

	// Keys performs encryption and fingerprinting. Required. The
	// store does not close it.
	Keys *KeySet

	// Clock drives timestamps and expiry checks. If nil, the real
	// clock.
	Clock clock.Clock

	// Logger receives credential lifecycle events (never key
	// material). If nil, logging is discarded.
	Logger *slog.Logger
}

// OpenStore creates the schema if needed and returns the store.
func OpenStore(ctx context.Context, config Config) (*Store, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("credential store: Pool is required")
	}
	if config.Keys == nil {
		return nil, fmt.Errorf("credential store: Keys is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	conn, err := config.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	defer config.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, storeSchema, nil); err != nil {
		return nil, fmt.Errorf("credential store: creating schema: %w", err)
	}

	return &Store{
		pool:   config.Pool,
		keys:   config.Keys,
		clock:  config.Clock,
		logger: config.Logger,
	}, nil
}

// Set encrypts and stores an API key for the (user, provider) pair,
// replacing any prior key and reactivating a revoked row. The key
// buffer is borrowed and NOT closed. A zero expires means no expiry.
func (store *Store) Set(ctx context.Context, userID, provider string, key *secret.Buffer, expires time.Time) (Credential, error) {
	if userID == "" || provider == "" {
		return Credential{}, fmt.Errorf("credential store: user and provider are required")
	}
	if key == nil || key.Len() == 0 {
		return Credential{}, fmt.Errorf("credential store: key is empty")
	}

	ciphertext, err := store.keys.encrypt(userID, provider, key.Bytes())
	if err != nil {
		return Credential{}, fmt.Errorf("credential store: encrypting %s/%s: %w", userID, provider, err)
	}
	fingerprint, err := store.keys.fingerprint(key.Bytes())
	if err != nil {
		return Credential{}, fmt.Errorf("credential store: fingerprinting %s/%s: %w", userID, provider, err)
	}

	var expiresAt int64
	if !expires.IsZero() {
		expiresAt = expires.UnixMilli()
	}
	now := store.clock.Now().UnixMilli()

	conn, err := store.pool.Take(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("credential store: set: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO credentials (user_id, provider, ciphertext, fingerprint, active, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			ciphertext  = excluded.ciphertext,
			fingerprint = excluded.fingerprint,
			active      = 1,
			expires_at  = excluded.expires_at,
			updated_at  = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{userID, provider, ciphertext, fingerprint, expiresAt, now, now},
		})
	if err != nil {
		return Credential{}, fmt.Errorf("credential store: set %s/%s: %w", userID, provider, err)
	}

	store.logger.Info("credential set",
		"user", userID, "provider", provider, "fingerprint", fingerprint)

	return store.get(conn, userID, provider)
}

// Get returns the metadata of one credential, active or not.
func (store *Store) Get(ctx context.Context, userID, provider string) (Credential, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("credential store: get: %w", err)
	}
	defer store.pool.Put(conn)
	return store.get(conn, userID, provider)
}

// List returns all credentials of a user ordered by provider,
// including revoked and expired ones.
func (store *Store) List(ctx context.Context, userID string) ([]Credential, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential store: list: %w", err)
	}
	defer store.pool.Put(conn)

	var credentials []Credential
	err = sqlitex.Execute(conn, `
		SELECT user_id, provider, fingerprint, active, expires_at, created_at, updated_at
		FROM credentials WHERE user_id = ? ORDER BY provider`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				credentials = append(credentials, scanCredential(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("credential store: list %s: %w", userID, err)
	}
	return credentials, nil
}

// Revoke deactivates a credential without deleting its ciphertext.
func (store *Store) Revoke(ctx context.Context, userID, provider string) error {
	return store.setActive(ctx, userID, provider, false)
}

// Restore reactivates a revoked credential. Expiry still applies.
func (store *Store) Restore(ctx context.Context, userID, provider string) error {
	return store.setActive(ctx, userID, provider, true)
}

// Delete removes a credential row entirely.
func (store *Store) Delete(ctx context.Context, userID, provider string) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("credential store: delete: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM credentials WHERE user_id = ? AND provider = ?",
		&sqlitex.ExecOptions{Args: []any{userID, provider}})
	if err != nil {
		return fmt.Errorf("credential store: delete %s/%s: %w", userID, provider, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNoCredential, userID, provider)
	}

	store.logger.Info("credential deleted", "user", userID, "provider", provider)
	return nil
}

// APIKey decrypts and returns the active key for the (user,
// provider) pair. Returns [ErrNoCredential] if none was set, the
// credential is revoked, or it has expired.
//
// The key is returned as a string for the provider client boundary;
// the heap copy is request-scoped.
func (store *Store) APIKey(ctx context.Context, userID, provider string) (string, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("credential store: key: %w", err)
	}
	defer store.pool.Put(conn)

	var (
		found      bool
		active     bool
		expiresAt  int64
		ciphertext []byte
	)
	err = sqlitex.Execute(conn, `
		SELECT ciphertext, active, expires_at
		FROM credentials WHERE user_id = ? AND provider = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID, provider},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				ciphertext = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, ciphertext)
				active = stmt.ColumnInt64(1) != 0
				expiresAt = stmt.ColumnInt64(2)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("credential store: key %s/%s: %w", userID, provider, err)
	}

	switch {
	case !found:
		return "", fmt.Errorf("%w: %s/%s", ErrNoCredential, userID, provider)
	case !active:
		return "", fmt.Errorf("%w: %s/%s: revoked", ErrNoCredential, userID, provider)
	case store.expired(expiresAt):
		return "", fmt.Errorf("%w: %s/%s: expired", ErrNoCredential, userID, provider)
	}

	plaintext, err := store.keys.decrypt(userID, provider, ciphertext)
	if err != nil {
		return "", fmt.Errorf("credential store: key %s/%s: %w", userID, provider, err)
	}
	defer plaintext.Close()
	return plaintext.String(), nil
}

// HasActive reports whether an active, unexpired credential exists
// for the (user, provider) pair without decrypting anything.
func (store *Store) HasActive(ctx context.Context, userID, provider string) (bool, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("credential store: has-active: %w", err)
	}
	defer store.pool.Put(conn)

	var (
		found     bool
		active    bool
		expiresAt int64
	)
	err = sqlitex.Execute(conn, `
		SELECT active, expires_at
		FROM credentials WHERE user_id = ? AND provider = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID, provider},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				active = stmt.ColumnInt64(0) != 0
				expiresAt = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("credential store: has-active %s/%s: %w", userID, provider, err)
	}

	return found && active && !store.expired(expiresAt), nil
}

func (store *Store) setActive(ctx context.Context, userID, provider string, active bool) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("credential store: set-active: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE credentials SET active = ?, updated_at = ?
		WHERE user_id = ? AND provider = ?`,
		&sqlitex.ExecOptions{
			Args: []any{boolToInt(active), store.clock.Now().UnixMilli(), userID, provider},
		})
	if err != nil {
		return fmt.Errorf("credential store: set-active %s/%s: %w", userID, provider, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNoCredential, userID, provider)
	}

	verb := "revoked"
	if active {
		verb = "restored"
	}
	store.logger.Info("credential "+verb, "user", userID, "provider", provider)
	return nil
}

func (store *Store) get(conn *sqlite.Conn, userID, provider string) (Credential, error) {
	var (
		found      bool
		credential Credential
	)
	err := sqlitex.Execute(conn, `
		SELECT user_id, provider, fingerprint, active, expires_at, created_at, updated_at
		FROM credentials WHERE user_id = ? AND provider = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID, provider},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				credential = scanCredential(stmt)
				return nil
			},
		})
	if err != nil {
		return Credential{}, fmt.Errorf("credential store: get %s/%s: %w", userID, provider, err)
	}
	if !found {
		return Credential{}, fmt.Errorf("%w: %s/%s", ErrNoCredential, userID, provider)
	}
	return credential, nil
}

func (store *Store) expired(expiresAt int64) bool {
	return expiresAt != 0 && expiresAt <= store.clock.Now().UnixMilli()
}

func scanCredential(stmt *sqlite.Stmt) Credential {
	return Credential{
		UserID:      stmt.ColumnText(0),
		Provider:    stmt.ColumnText(1),
		Fingerprint: stmt.ColumnText(2),
		Active:      stmt.ColumnInt64(3) != 0,
		ExpiresAt:   stmt.ColumnInt64(4),
		CreatedAt:   stmt.ColumnInt64(5),
		UpdatedAt:   stmt.ColumnInt64(6),
	}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
