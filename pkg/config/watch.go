package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last write
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file, and picks up module changes in the
// plugin directory, whenever they change on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	dirs     map[string]bool
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher watches cfg's file and plugin directory. onChange receives
// every configuration that loads and validates; broken edits are logged
// and ignored.
func NewWatcher(cfg *Config, logger *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	if cfg.Path() == "" {
		return nil, fmt.Errorf("config: nothing to watch, configuration was not loaded from a file")
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		watcher:  watcher,
		path:     filepath.Clean(cfg.Path()),
		dirs:     make(map[string]bool),
		debounce: DefaultDebounce,
		onChange: onChange,
		logger:   logger.With("component", "config"),
	}
	// Editors replace files by rename, so watch directories, not files.
	for _, dir := range []string{filepath.Dir(w.path), filepath.Clean(cfg.PluginDir)} {
		if w.dirs[dir] {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	return w, nil
}

// SetDebounce changes the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == w.path || strings.HasSuffix(name, ".wasm")
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("hot-reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("hot-reload: configuration reloaded", "path", w.path, "plugins", len(cfg.Plugins))
	w.onChange(cfg)
}
