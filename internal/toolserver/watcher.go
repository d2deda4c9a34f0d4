// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package toolserver

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// defaultWatchExcludes keeps build output and VCS churn from triggering
// rebuild loops.
var defaultWatchExcludes = []string{
	".git/**",
	"**/*.log",
	"bin/**",
	"build/**",
	"dist/**",
	"node_modules/**",
	"**/__pycache__/**",
}

// Watcher monitors the server checkout for source changes and triggers a
// debounced rebuild+restart callback. Used by dev mode.
type Watcher struct {
	// fsWatcher is the underlying filesystem watcher
	fsWatcher *fsnotify.Watcher

	// root is the watched checkout directory
	root string

	// includes and excludes are doublestar patterns relative to root
	includes []string
	excludes []string

	// onChange is invoked after the debounce window with the paths that
	// changed during it
	onChange func(paths []string)

	// logger is used for structured logging
	logger *slog.Logger

	// debounceDelay is the delay before triggering after file changes
	debounceDelay time.Duration

	// pending accumulates changed paths during the debounce window
	pending map[string]struct{}

	// timer is the active debounce timer, if any
	timer *time.Timer

	// mu protects pending and timer
	mu sync.Mutex

	// ctx is the watcher's lifecycle context
	ctx context.Context

	// cancel stops the watcher
	cancel context.CancelFunc

	// wg tracks active goroutines
	wg sync.WaitGroup
}

// WatcherConfig configures the source watcher.
type WatcherConfig struct {
	// Root is the checkout directory to watch (required).
	Root string

	// Includes are doublestar patterns of files that trigger a rebuild.
	// Empty means every non-excluded file.
	Includes []string

	// Excludes are doublestar patterns that never trigger a rebuild,
	// added on top of the built-in exclusions.
	Excludes []string

	// OnChange is invoked with the changed paths after debouncing (required).
	OnChange func(paths []string)

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay is the delay before triggering after file changes
	// (defaults to 500ms).
	DebounceDelay time.Duration
}

// NewWatcher creates a watcher over the server checkout. All directories
// under root are registered recursively; fsnotify does not recurse on its own.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 500 * time.Millisecond
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsWatcher:     fsWatcher,
		root:          root,
		includes:      cfg.Includes,
		excludes:      append(append([]string{}, defaultWatchExcludes...), cfg.Excludes...),
		onChange:      cfg.OnChange,
		logger:        logger.With("component", "watcher"),
		debounceDelay: debounceDelay,
		pending:       make(map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := w.addRecursive(root); err != nil {
		cancel()
		fsWatcher.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// addRecursive registers every non-excluded directory under dir.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		if rel != "." && w.excluded(rel) {
			return filepath.SkipDir
		}

		if err := w.fsWatcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.logger.Debug("watching directory", "path", path)
		return nil
	})
}

// matches reports whether a changed file should trigger a rebuild.
func (w *Watcher) matches(rel string) bool {
	if w.excluded(rel) {
		return false
	}
	if len(w.includes) == 0 {
		return true
	}
	for _, pattern := range w.includes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// A directory pattern like ".git/**" should also exclude the
		// directory itself.
		if dir, found := strings.CutSuffix(pattern, "/**"); found && rel == dir {
			return true
		}
	}
	return false
}

// processEvents processes filesystem events and schedules debounced triggers.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	// New directories need registering so nested changes are seen.
	if event.Has(fsnotify.Create) && !w.excluded(rel) {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if addErr := w.addRecursive(event.Name); addErr != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", addErr)
			}
			return
		}
	}

	if !w.matches(rel) {
		return
	}

	w.logger.Debug("source file changed", "file", rel)
	w.schedule(event.Name)
}

// schedule records a changed path and (re)arms the debounce timer.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.trigger)
}

// trigger drains the pending set and invokes the callback once.
func (w *Watcher) trigger() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}

	w.logger.Info("source changed, triggering rebuild", "files", len(paths))
	w.onChange(paths)
}

// Close shuts down the watcher.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.wg.Wait()

	return w.fsWatcher.Close()
}
