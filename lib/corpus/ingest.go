// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/loreworks/lore/lib/codec"
)

const (
	// maxFileBytes caps a single source file. Anything larger is
	// skipped with a log line rather than bloating the store.
	maxFileBytes = 2 << 20

	// sniffWindow is the prefix checked for binary content.
	sniffWindow = 8192

	// defaultManifestName is the manifest dotfile inside the corpus
	// root. Dotfiles are invisible to the walk, so the manifest never
	// ingests itself.
	defaultManifestName = ".corpus-manifest"

	// manifestVersion guards the manifest file format.
	manifestVersion = 1
)

// IngesterConfig holds the parameters for one ingester.
type IngesterConfig struct {
	// Store receives the entries. Required.
	Store *Store

	// Root is the corpus directory to walk. Required.
	Root string

	// ManifestPath overrides where the content-hash manifest lives.
	// If empty, a dotfile inside Root is used.
	ManifestPath string

	// Logger receives per-run summaries. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Ingester converges the store on the contents of a directory tree.
type Ingester struct {
	store        *Store
	root         string
	manifestPath string
	logger       *slog.Logger
}

// NewIngester returns an ingester for the given configuration.
func NewIngester(config IngesterConfig) (*Ingester, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("corpus ingest: Store is required")
	}
	if config.Root == "" {
		return nil, fmt.Errorf("corpus ingest: Root is required")
	}
	manifestPath := config.ManifestPath
	if manifestPath == "" {
		manifestPath = filepath.Join(config.Root, defaultManifestName)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ingester{
		store:        config.Store,
		root:         config.Root,
		manifestPath: manifestPath,
		logger:       logger,
	}, nil
}

// IngestResult reports one pass over the corpus directory.
type IngestResult struct {
	Files     int `json:"files"`     // files ingested or re-ingested
	Unchanged int `json:"unchanged"` // manifest hits skipped
	Removed   int `json:"removed"`   // vanished files swept from the store
	Entries   int `json:"entries"`   // entries now stored for the ingested files
}

// Ingest walks the corpus directory once: changed and new files are
// split and stored, files recorded in the manifest but missing from
// the directory are swept, and unchanged files cost one hash
// comparison. Hidden files and directories are invisible to the walk.
func (ingester *Ingester) Ingest(ctx context.Context) (IngestResult, error) {
	var result IngestResult

	recorded := ingester.loadManifest()
	seen := make(map[string]bool)

	conn, err := ingester.store.pool.Take(ctx)
	if err != nil {
		return result, fmt.Errorf("corpus ingest: %w", err)
	}
	defer ingester.store.pool.Put(conn)

	walkErr := filepath.WalkDir(ingester.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry == nil {
				return err
			}
			ingester.logger.Warn("corpus walk error", "path", path, "error", err)
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") && path != ingester.root {
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if filepath.Clean(path) == filepath.Clean(ingester.manifestPath) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		origin := originFor(ingester.root, path)
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			ingester.logger.Warn("corpus file unreadable", "origin", origin, "error", readErr)
			return nil
		}
		if len(data) > maxFileBytes {
			ingester.logger.Debug("corpus file skipped, too large", "origin", origin, "bytes", len(data))
			return nil
		}
		if !looksLikeText(data) {
			ingester.logger.Debug("corpus file skipped, not text", "origin", origin)
			return nil
		}

		seen[origin] = true
		fileHash := hashBytes(data)
		if recorded.Files[origin] == fileHash {
			result.Unchanged++
			return nil
		}

		persisted, replaceErr := ingester.store.replaceOrigin(conn, origin, entriesFor(origin, data))
		if replaceErr != nil {
			return replaceErr
		}
		recorded.Files[origin] = fileHash
		result.Files++
		result.Entries += len(persisted)
		return nil
	})
	if walkErr != nil {
		return result, fmt.Errorf("corpus ingest: %w", walkErr)
	}

	// Sweep origins whose file is gone.
	for origin := range recorded.Files {
		if seen[origin] {
			continue
		}
		if _, err := ingester.store.deleteOrigin(conn, origin); err != nil {
			return result, fmt.Errorf("corpus ingest: %w", err)
		}
		delete(recorded.Files, origin)
		result.Removed++
	}

	if err := ingester.store.rebuildIndex(conn); err != nil {
		return result, fmt.Errorf("corpus ingest: %w", err)
	}
	ingester.saveManifest(recorded)

	ingester.logger.Info("corpus ingest complete",
		"root", ingester.root,
		"files", result.Files,
		"unchanged", result.Unchanged,
		"removed", result.Removed,
		"entries", result.Entries,
	)
	return result, nil
}

// entriesFor splits one file and stamps every chunk with the file's
// classification.
func entriesFor(origin string, data []byte) []Entry {
	chunks := splitFile(origin, data)
	if len(chunks) == 0 {
		return nil
	}
	language := classifyLanguage(origin, data)
	category := categoryFor(origin)
	entries := make([]Entry, len(chunks))
	for i, piece := range chunks {
		entries[i] = Entry{
			Origin:   origin,
			Title:    piece.Title,
			Category: category,
			Language: language,
			Text:     piece.Text,
		}
	}
	return entries
}

// manifest records the content hash of every ingested file, keyed by
// origin relative to the corpus root. Serialized as deterministic
// CBOR so a no-op pass leaves identical bytes on disk.
type manifest struct {
	Version int               `cbor:"version"`
	Files   map[string]string `cbor:"files"`
}

// loadManifest reads the manifest, falling back to an empty one when
// the file is missing or invalid — the pass then re-ingests every
// file, which converges to the same state.
func (ingester *Ingester) loadManifest() manifest {
	empty := manifest{Version: manifestVersion, Files: make(map[string]string)}
	data, err := os.ReadFile(ingester.manifestPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			ingester.logger.Warn("corpus manifest unreadable", "path", ingester.manifestPath, "error", err)
		}
		return empty
	}
	var loaded manifest
	if err := codec.Unmarshal(data, &loaded); err != nil || loaded.Version != manifestVersion || loaded.Files == nil {
		ingester.logger.Warn("corpus manifest invalid, re-ingesting", "path", ingester.manifestPath)
		return empty
	}
	return loaded
}

func (ingester *Ingester) saveManifest(recorded manifest) {
	data, err := codec.Marshal(recorded)
	if err != nil {
		ingester.logger.Warn("corpus manifest encode failed", "error", err)
		return
	}
	if err := os.WriteFile(ingester.manifestPath, data, 0o644); err != nil {
		ingester.logger.Warn("corpus manifest write failed", "path", ingester.manifestPath, "error", err)
	}
}

// looksLikeText reports whether data is ingestible prose or code: no
// NUL byte and valid UTF-8 within the sniff window.
func looksLikeText(data []byte) bool {
	window := data
	truncated := false
	if len(window) > sniffWindow {
		window = window[:sniffWindow]
		truncated = true
	}
	if bytes.IndexByte(window, 0) >= 0 {
		return false
	}
	if truncated {
		// The cut may have split a rune; trim the partial tail.
		for i := 0; i < utf8.UTFMax && len(window) > 0 && !utf8.Valid(window); i++ {
			window = window[:len(window)-1]
		}
	}
	return utf8.Valid(window)
}

func originFor(root, path string) string {
	relative, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(relative)
}
