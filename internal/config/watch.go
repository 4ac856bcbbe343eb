package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the service configuration when its file changes on disk.
// A reload that fails to parse or validate keeps the previous configuration.
type Watcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	mu      sync.RWMutex
	current *Config
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger}, nil
}

// Load parses the file and makes it the current configuration.
func (w *Watcher) Load() (*Config, error) {
	cfg, err := Load(w.path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("config loaded", "path", w.path)
	return cfg, nil
}

// Current returns the most recently loaded configuration, or nil before the
// first Load.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch re-reads the file on write events and hands each successful reload
// to onChange. It returns after starting the watch goroutine, which runs
// until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	w.logger.Info("watching config file", "path", w.path)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				w.logger.Debug("config watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != fsnotify.Write {
					continue
				}

				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Error("config reload failed, keeping previous", "path", w.path, "error", err)
					continue
				}

				w.mu.Lock()
				w.current = cfg
				w.mu.Unlock()

				w.logger.Info("config reloaded", "path", w.path)
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watch error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the file watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
