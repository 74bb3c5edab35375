// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loreworks/lore/lib/clock"
)

// defaultDebounce is how long the tree must stay quiet after a change
// before the watcher re-ingests. Editors save in bursts; one pass per
// burst is enough.
const defaultDebounce = 2 * time.Second

// WatcherConfig holds the parameters for one watcher.
type WatcherConfig struct {
	// Ingester drives the re-ingest passes. Required.
	Ingester *Ingester

	// Debounce overrides the quiet period. If zero, two seconds.
	Debounce time.Duration

	// Clock paces the debounce. If nil, the real clock is used.
	Clock clock.Clock

	// Logger receives watch diagnostics. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Watcher keeps a corpus directory and the store converged. Filesystem
// events mark the tree dirty; after a debounce the whole directory is
// re-ingested, which the manifest makes cheap — unchanged files cost
// one hash comparison each.
type Watcher struct {
	ingester *Ingester
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewWatcher returns a watcher for the given configuration.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Ingester == nil {
		return nil, fmt.Errorf("corpus watch: Ingester is required")
	}
	debounce := config.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	ticker := config.Clock
	if ticker == nil {
		ticker = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		ingester: config.Ingester,
		debounce: debounce,
		clock:    ticker,
		logger:   logger,
	}, nil
}

// Run registers watches on the corpus tree, performs an initial
// ingest, and then blocks folding filesystem events into debounced
// re-ingest passes until ctx is done. Returns ctx.Err() on shutdown.
func (watcher *Watcher) Run(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("corpus watch: %w", err)
	}
	defer notifier.Close()

	if err := watchTree(notifier, watcher.ingester.root); err != nil {
		return err
	}

	// Watches are live, so anything changing during this pass raises
	// an event and is folded in by the first debounced re-ingest.
	if _, err := watcher.ingester.Ingest(ctx); err != nil {
		return err
	}
	watcher.logger.Info("corpus watch started",
		"root", watcher.ingester.root,
		"debounce", watcher.debounce,
	)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				// A new subdirectory needs its own watch.
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					if err := watchTree(notifier, event.Name); err != nil {
						watcher.logger.Warn("corpus watch add failed", "path", event.Name, "error", err)
					}
				}
			}
			if !watcher.relevant(event) {
				continue
			}
			watcher.logger.Debug("corpus change observed", "path", event.Name, "op", event.Op.String())
			pending = watcher.clock.After(watcher.debounce)

		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			watcher.logger.Warn("corpus watch error", "error", err)

		case <-pending:
			pending = nil
			result, err := watcher.ingester.Ingest(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				watcher.logger.Error("corpus re-ingest failed", "error", err)
				continue
			}
			watcher.logger.Info("corpus re-ingested",
				"files", result.Files,
				"removed", result.Removed,
				"entries", result.Entries,
			)
		}
	}
}

// relevant filters events worth a re-ingest: content operations on
// visible paths, the manifest excluded.
func (watcher *Watcher) relevant(event fsnotify.Event) bool {
	const contentOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	if event.Op&contentOps == 0 {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	if filepath.Clean(event.Name) == filepath.Clean(watcher.ingester.manifestPath) {
		return false
	}
	return true
}

// watchTree registers root and every visible subdirectory.
func watchTree(notifier *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry == nil {
				return fmt.Errorf("corpus watch: %w", err)
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") && path != root {
			return fs.SkipDir
		}
		if err := notifier.Add(path); err != nil {
			return fmt.Errorf("corpus watch: watching %s: %w", path, err)
		}
		return nil
	})
}
